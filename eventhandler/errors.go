package eventhandler

import "errors"

// ErrMalformedEvent marks an ingress payload missing executionId or
// carrying an unrecognized detailType/status. Handle and HandleEnvelope
// return it wrapped, so callers can test for it with errors.Is.
var ErrMalformedEvent = errors.New("malformed workflow event")
