package rag

import "errors"

var (
	ErrEmptyQuery     = errors.New("query text is empty")
	ErrQueryDimension = errors.New("query vector dimension does not match the embedding model")
	ErrInvalidAlpha   = errors.New("alpha must be within [0, 1]")
)
