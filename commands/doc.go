// Package commands hosts named operations that callers invoke through the bridge.
//
// A Server owns a set of handlers. Synchronous handlers answer within the call
// and produce a Result reply. Asynchronous handlers are started in their own
// goroutine and produce a Started reply; they report progress through their
// Context and their return value becomes the channel's terminal event:
//
//	value, nil                        finished {Success, value}
//	context.Canceled after a cancel   finished {Success, "cancelled"} or a
//	                                  cancelled event with WithCancelledSignal
//	any other error                   finished {Failed, err.Error()}
//
// Handlers are invoked in process through LocalOperation or from another
// process through RemoteOperation, which publishes an InvokeRequest that a
// Server picks up in Serve.
//
//	server, _ := commands.NewServer(bus)
//	server.Handle("count", func(c *commands.Context, args json.RawMessage) (any, error) {
//	    for i := 1; i <= 10; i++ {
//	        if err := c.Context().Err(); err != nil {
//	            return nil, err
//	        }
//	        c.Progress(contracts.Progress{Proceed: int64(i), Total: 10})
//	    }
//	    return "done", nil
//	})
package commands
