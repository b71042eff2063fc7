// Package schema validates command arguments before a command runs.
//
// Schemas are registered per command name and describe the JSON shape of the
// arguments: types, required fields, bounds, enums, patterns and a few string
// formats. Commands without a schema are not validated.
//
// Basic usage:
//
//	validator := schema.NewArgsValidator()
//	err := validator.RegisterSchema("count", &schema.Schema{
//		PropertyDef: schema.PropertyDef{
//			Type:     "object",
//			Required: []string{"to"},
//			Properties: map[string]*schema.PropertyDef{
//				"to": {Type: "integer", Minimum: schema.Float(0)},
//			},
//		},
//	})
//
//	chain := interceptors.NewChain(schema.NewInterceptor(validator))
//
// Invalid arguments fail the invocation with an *InvalidArgsError listing every
// violation.
package schema
