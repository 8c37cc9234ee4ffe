package domain

import "errors"

var (
	ErrProcessNotFound = errors.New("dunning_process_not_found")
	ErrInvalidSchedule = errors.New("invalid_dunning_schedule")
)
