package polling

import "errors"

// ErrCatalogDrift indicates a GET_PARAMS_ANS batch referenced a wire
// index the catalog does not know about: the live parameter set has
// drifted from what discovery observed.
var ErrCatalogDrift = errors.New("polling: catalog drift")
