// internal/browser/cdp/options.go
package cdp

import (
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/xkilldash9x/pageflow/internal/config"
)

// AllocatorOptions translates the browser config into chromedp allocator options.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.NoSandbox,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", cfg.Headless),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.DisableGPU)
	}
	if cfg.WindowWidth > 0 && cfg.WindowHeight > 0 {
		opts = append(opts, chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight))
	}
	if cfg.UserDataDir != "" {
		opts = append(opts, chromedp.UserDataDir(cfg.UserDataDir))
	}

	// Extra flags from config, either "name" or "name=value".
	for _, arg := range cfg.Args {
		arg = strings.TrimPrefix(arg, "--")
		if arg == "" {
			continue
		}
		name, value, hasValue := strings.Cut(arg, "=")
		if !hasValue {
			opts = append(opts, chromedp.Flag(name, true))
			continue
		}
		opts = append(opts, chromedp.Flag(name, value))
	}
	return opts
}
