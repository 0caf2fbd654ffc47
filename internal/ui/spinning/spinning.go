// Package spinning provides a spinning symbol to show while the program is busy (e.g. loading a
// checkpoint or compiling a model), and the handling of interrupts (Ctrl+C) that stops the workers
// gracefully.
package spinning

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"k8s.io/klog/v2"
)

var (
	ThemeAscii = []rune("|/-\\")
	ThemeMoon  = []rune("🌑🌒🌓🌔🌕🌖🌗🌘")
	ThemeClock = []rune("🕐🕑🕒🕓🕔🕕🕖🕗🕘🕙🕚🕛")
)

// Spinning runs a spinner on a separate goroutine, until Done is called.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
}

// SafeInterrupt captures SIGINT (Ctrl+C) and SIGTERM and calls onInterrupt, which should make the
// workers stop (and save their progress). If the program hasn't exited after gracePeriod, it resets
// the terminal and exits.
//
// A second interrupt exits immediately.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), saving and shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}
		select {
		case s = <-sigChan:
			Reset()
			klog.Fatalf("Interrupted again (signal %q), exiting.", s)
		case <-time.After(gracePeriod):
			Reset()
			klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
		}
	}()
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n")
}

// New starts a spinner with ThemeClock on the standard output.
func New(ctx context.Context) *Spinning {
	return NewWithTheme(ctx, os.Stdout, ThemeClock, 500*time.Millisecond)
}

// NewWithTheme starts a spinner cycling over theme, written to w every period.
func NewWithTheme(ctx context.Context, w io.Writer, theme []rune, period time.Duration) *Spinning {
	s := &Spinning{}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		// Hide the cursor while spinning.
		_, _ = fmt.Fprint(w, "\033[?25l")
		defer func() { _, _ = fmt.Fprint(w, "\033[?25h") }()

		_, _ = fmt.Fprint(w, "  ")
		for idx := 0; ; idx = (idx + 1) % len(theme) {
			_, _ = fmt.Fprintf(w, "\b\b%c", theme[idx])
			select {
			case <-ctx.Done():
				_, _ = fmt.Fprint(w, "\b\b")
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Done stops the spinner and waits for it to clear.
func (s *Spinning) Done() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
}
