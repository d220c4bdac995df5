package quartz

import "time"

// ApmCallbacks surfaces handshake command lifecycle events to application
// performance monitoring. All callbacks are optional; they fire on the scan
// driver goroutine, so they must not block.
type ApmCallbacks struct {
	Started   func(ctx interface{}, host Host)
	Succeeded func(ctx interface{}, host Host, rtt time.Duration)
	Failed    func(ctx interface{}, host Host, err *ScanError)
}

func (c *ApmCallbacks) empty() bool {
	return c == nil || (c.Started == nil && c.Succeeded == nil && c.Failed == nil)
}
