package utils

import "github.com/pkg/errors"

// NewUnexpectedTypeError is used when there is a type mismatch, e.g. an
// orbfeature.Extractor returning a descriptor type a Matcher doesn't know
// how to consume.
func NewUnexpectedTypeError(expected, actual interface{}) error {
	return errors.Errorf("expected %T but got %T", expected, actual)
}

// NewUnimplementedInterfaceError is used when there is a failed interface
// check, e.g. a configured solver that doesn't satisfy nsolver.BundleAdjuster.
func NewUnimplementedInterfaceError(expected string, actual interface{}) error {
	return errors.Errorf("expected implementation of %s but got %T", expected, actual)
}
