package apperrors

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrEmptyInput         = errors.New("empty input")
	ErrRepairBudgetSpent  = errors.New("repair budget exhausted")
	ErrUnknownCatalogRef  = errors.New("reference to entity not in schema catalog")
	ErrInvalidCredentials = errors.New("invalid email or password")
)
