package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

var ErrLockNotObtained = errors.New("could not obtain lock")
