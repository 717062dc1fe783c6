package traffic

import (
	"time"
)

// RequestContext is the per-request value handed through classification,
// forwarding and the transform pipeline. It lives until the response has
// been written.
type RequestContext struct {
	ID           string    // unique for the process lifetime
	Method       string    // HTTP method
	Scheme       string    // scheme the client used (http, or https inside a MITM tunnel)
	OriginalHost string    // client-supplied Host, kept for logging only
	OriginalPath string    // path + raw query as received
	Headers      Header    // request headers as received
	Body         []byte    // buffered body; nil in streaming mode
	ReceivedAt   time.Time // when the request headers were complete
	RemoteAddr   string    // client address
}
