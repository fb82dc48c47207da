package documents

import "errors"

var (
	ErrNoVersion   = errors.New("version missing")
	ErrNoBlob      = errors.New("blob missing or empty")
	ErrNoObjects   = errors.New("blob is stored externally but no object store is configured")
	ErrStoreNil    = errors.New("store is required")
	ErrEmbedderNil = errors.New("embedder is required")
)
