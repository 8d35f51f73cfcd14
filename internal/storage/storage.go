package storage

import "errors"

var (
	ErrRecordNotFound    = errors.New("package record not found")
	ErrAlreadyExists     = errors.New("package record already exists")
	ErrFailedJobNotFound = errors.New("failed job not found")
)
