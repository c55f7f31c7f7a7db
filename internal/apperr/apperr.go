// Package apperr описывает классы ошибок ядра и политику повторных попыток.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrValidation возвращается при некорректных входных данных. Повтор не поможет.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrConflict возвращается при конфликте конкурентного обновления.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrStoreUnavailable возвращается при таймауте или недоступности хранилища.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidState возвращается, если запись находится в неподходящем статусе.
	ErrInvalidState = fmt.Errorf("%w: invalid state", ErrValidation)
	// ErrForbidden возвращается, если пользователь не владеет записью.
	ErrForbidden = fmt.Errorf("%w: not the owner", ErrValidation)
	// ErrInsufficientFunds возвращается, если доступного баланса недостаточно.
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient funds", ErrValidation)

	// ErrDuplicate возвращается при нарушении уникальности.
	ErrDuplicate = errors.New("duplicate record")
)

// Validationf создаёт ошибку валидации с пояснением.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// IsRetryable сообщает, имеет ли смысл повторить операцию.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrStoreUnavailable)
}

// DefaultAttempts — число попыток для операций с хранилищем.
const DefaultAttempts = 3

// Retry выполняет fn до attempts раз, повторяя только ошибки, для которых IsRetryable истинно.
// Пауза между попытками растёт линейно: delay, 2*delay, ...
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsRetryable(err) {
			return err
		}

		if i == attempts-1 {
			break
		}

		if delay > 0 {
			timer := time.NewTimer(delay * time.Duration(i+1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return errors.Join(err, ctx.Err())
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return errors.Join(err, ctx.Err())
		}
	}

	return fmt.Errorf("after %d attempts: %w", attempts, err)
}
