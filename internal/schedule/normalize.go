package schedule

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"

	"localsched/internal/domain"
)

var (
	ErrInvalidRate     = errors.New("invalid rate syntax")
	ErrInvalidSchedule = errors.New("invalid schedule syntax")
)

const (
	ratePrefix = "rate("
	cronPrefix = "cron("
)

// Parser mirrors the parser the dispatcher registers timers with: five fields,
// optional `?` in day fields, and @descriptors.
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Normalize converts a rate(...) or cron(...) expression into a five-field cron
// string. cron(...) bodies are returned verbatim; the timer rejects malformed ones.
func Normalize(expr domain.ScheduleExpression) (string, error) {
	frequency := expr.String()
	params := strings.Replace(frequency, ratePrefix, "", 1)
	params = strings.Replace(params, cronPrefix, "", 1)
	params = strings.Replace(params, ")", "", 1)

	switch {
	case strings.HasPrefix(frequency, cronPrefix):
		return params, nil
	case strings.HasPrefix(frequency, ratePrefix):
		return rateToCron(params)
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSchedule, frequency)
}

func rateToCron(rate string) (string, error) {
	parts := strings.Fields(rate)
	if len(parts) < 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidRate, rate)
	}
	amount, unit := parts[0], parts[1]
	switch {
	case strings.HasPrefix(unit, "minute"):
		return fmt.Sprintf("*/%s * * * *", amount), nil
	case strings.HasPrefix(unit, "hour"):
		return fmt.Sprintf("0 */%s * * *", amount), nil
	case strings.HasPrefix(unit, "day"):
		return fmt.Sprintf("0 0 */%s * *", amount), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRate, rate)
}

// Validate reports whether the timer would accept a cron string.
func Validate(expr string) error {
	_, err := Parser.Parse(expr)
	return err
}
