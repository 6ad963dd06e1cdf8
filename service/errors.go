package service

import (
	"errors"
	"fmt"
)

var (
	// 业务错误定义
	ErrSessionNotFound          = errors.New("voting session not found")
	ErrSessionEnded             = errors.New("voting session has ended")
	ErrDuplicateVote            = errors.New("voter has already voted in this session")
	ErrInvalidInput             = errors.New("invalid input")
	ErrInvalidRating            = errors.New("rating must be an integer between 1 and 5")
	ErrInvalidParticipationType = errors.New("participation type must be online or onsite")
	ErrAlreadyParticipated      = errors.New("participant has already voted for this event")

	// ErrPersistence 所有存储层错误都匹配该错误
	ErrPersistence = errors.New("persistence failure")
)

// PersistenceError 存储操作失败，Unwrap返回存储层原始错误
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Is 使errors.Is(err, ErrPersistence)成立
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// IsNotFound 判断是否为会话不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}
