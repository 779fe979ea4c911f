package jobs

import (
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"localsched/internal/domain"
	"localsched/internal/schedule"
)

type Registry interface {
	Functions() []domain.Function
}

// Extract builds one JobSpec per function with at least one valid schedule, in
// registry order. Invalid expressions are logged and dropped.
func Extract(reg Registry, logger zerolog.Logger) []domain.JobSpec {
	var specs []domain.JobSpec
	for _, fn := range reg.Functions() {
		var crons []string
		for _, ev := range fn.Events {
			if ev.Schedule == nil {
				continue
			}
			expr, err := schedule.Normalize(*ev.Schedule)
			if err != nil {
				logInvalid(logger, fn.ID, ev.Schedule.Text(), err)
				continue
			}
			crons = append(crons, expr)
		}
		if len(crons) == 0 {
			continue
		}
		module, _ := Handler(fn.Handler)
		specs = append(specs, domain.JobSpec{
			FunctionID:      fn.ID,
			CronExpressions: crons,
			ModuleName:      module,
		})
	}
	return specs
}

func logInvalid(logger zerolog.Logger, functionID, raw string, err error) {
	ev := logger.Warn().Str("function", functionID).Err(err)
	if errors.Is(err, schedule.ErrInvalidRate) {
		ev.Msgf("Invalid rate syntax '%s', will not schedule", raw)
		return
	}
	ev.Msgf("invalid schedule syntax '%s', will not schedule", raw)
}

// Handler splits "path/to/module.symbol". Only the first two dot-separated
// segments are significant.
func Handler(handler string) (module, symbol string) {
	module, rest, _ := strings.Cut(handler, ".")
	symbol, _, _ = strings.Cut(rest, ".")
	return module, symbol
}
