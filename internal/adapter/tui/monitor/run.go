package monitor

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"loginpilot/internal/domain"
)

// Run shows the monitor while run executes and returns run's result. The
// view stays open after the run until the user quits. Quitting early
// cancels the run and waits for it to settle.
func Run(ctx context.Context, deps Deps, run func(context.Context) (domain.StatusCounters, error)) (domain.StatusCounters, error) {
	model := New(deps)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	model.SetProgramSender(func(msg tea.Msg) { p.Send(msg) })

	type result struct {
		counters domain.StatusCounters
		err      error
	}
	done := make(chan result, 1)
	go func() {
		c, err := run(ctx)
		done <- result{c, err}
		p.Send(RunDoneMsg{Counters: c, Err: err})
	}()

	_, uiErr := p.Run()
	if uiErr != nil {
		// The UI died; stop the run rather than leave it headless.
		deps.Source.Control().Cancel()
	}
	res := <-done
	if res.err == nil && uiErr != nil && ctx.Err() == nil {
		return res.counters, uiErr
	}
	return res.counters, res.err
}
