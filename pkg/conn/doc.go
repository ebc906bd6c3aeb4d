// Package conn provides a reconnecting WebSocket connection to a named channel
// endpoint on the page origin.
//
// The connection handles:
//   - Automatic reconnection after a close, at a fixed interval, up to a bounded
//     number of consecutive attempts
//   - Resetting the attempt counter whenever the transport opens
//   - Immediate reconnection when the host becomes visible again
//   - Structured logging and optional Prometheus metrics
//
// Basic usage:
//
//	c, err := conn.New("notifications", conn.Config{
//	    Origin: "https://example.com",
//	    OnMessage: func(data []byte) {
//	        fmt.Printf("Got message: %s\n", data)
//	    },
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	go func() {
//	    if err := c.Start(ctx); err != nil {
//	        log.Print(err)
//	    }
//	}()
//
//	// Later, when the user returns to the application:
//	c.SetVisibility(conn.Visible)
//
// Callbacks run on the goroutine executing Start and never concurrently with
// each other.
package conn
