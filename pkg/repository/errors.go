package repository

import "errors"

// ErrAlreadyExists is returned when a create hits a duplicate key. Repos
// signal missing rows with their own sentinels instead of a shared one.
var ErrAlreadyExists = errors.New("entity already exists")
