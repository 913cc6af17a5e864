// Package rodweb implements the driver contract on go-rod: a headless
// Chromium profile per tenant, kept across restarts through the
// profile's user-data dir so a paired session survives the process.
package rodweb

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/heraldhq/herald/internal/config"
	"github.com/heraldhq/herald/internal/driver"
)

// Selectors for the messaging web client. Brittle by nature; kept in
// one place so a client UI change is a one-file fix.
const (
	selChatList    = `[data-testid="chat-list"]`
	selPairingCode = `[data-testid="qrcode"] canvas`
	selComposer    = `[data-testid="conversation-compose-box-input"]`
	selAttach      = `[data-testid="attach-clip"]`
	selFileInput   = `input[type="file"]`
	selCaption     = `[data-testid="media-caption-input"]`
	selMediaSend   = `[data-testid="media-send-button"]`
	selSendError   = `[data-testid="msg-error"]`
	selSentTick    = `[data-testid="msg-check"]`
	selChatTile    = `[data-testid="chat-list"] [data-testid="cell-frame-container"]`
	selTileName    = `[data-testid="cell-frame-title"]`
	selTilePhone   = `[data-testid="cell-frame-secondary"]`
)

// sendSettle is how long a send attempt is given to surface an error
// indicator before the optimistic path declares it gone.
const sendSettle = 2 * time.Second

type Factory struct {
	cfg config.DriverConfig
}

func NewFactory(cfg config.DriverConfig) *Factory {
	return &Factory{cfg: cfg}
}

func (f *Factory) New(ctx context.Context, tenantID string) (driver.Handle, error) {
	l := launcher.New().
		Headless(f.cfg.Headless).
		UserDataDir(filepath.Join(f.cfg.UserDataDir, tenantID)).
		Leakless(true)
	if f.cfg.BrowserBin != "" {
		l = l.Bin(f.cfg.BrowserBin)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: f.cfg.ClientURL})
	if err != nil {
		_ = browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("open client page: %w", err)
	}
	if err := page.Timeout(f.cfg.NavTimeout).WaitLoad(); err != nil {
		_ = browser.Close()
		l.Cleanup()
		return nil, fmt.Errorf("load client page: %w", err)
	}

	slog.Info("driver handle created", "tenant", tenantID)
	return &handle{
		tenantID: tenantID,
		cfg:      f.cfg,
		launcher: l,
		browser:  browser,
		page:     page,
	}, nil
}

type handle struct {
	tenantID string
	cfg      config.DriverConfig
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
}

func (h *handle) DetectState(ctx context.Context) (driver.State, error) {
	p := h.page.Context(ctx).Timeout(h.cfg.NavTimeout)

	if ok, _, err := p.Has(selChatList); err == nil && ok {
		return driver.StateConnected, nil
	}
	ok, _, err := p.Has(selPairingCode)
	if err != nil {
		return driver.StateError, fmt.Errorf("probe pairing code: %w", err)
	}
	if ok {
		return driver.StateNeedsPairing, nil
	}
	// Neither surface present: client failed to render.
	return driver.StateError, nil
}

func (h *handle) CapturePairingCode(ctx context.Context) ([]byte, error) {
	p := h.page.Context(ctx).Timeout(h.cfg.NavTimeout)

	ok, el, err := p.Has(selPairingCode)
	if err != nil {
		return nil, fmt.Errorf("locate pairing code: %w", err)
	}
	if !ok {
		return nil, nil
	}
	png, err := el.Screenshot(proto.PageCaptureScreenshotFormatPng, 0)
	if err != nil {
		return nil, fmt.Errorf("capture pairing code: %w", err)
	}
	return png, nil
}

func (h *handle) WaitForPairing(ctx context.Context, timeout time.Duration) (bool, error) {
	p := h.page.Context(ctx).Timeout(timeout)
	if _, err := p.Element(selChatList); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

func (h *handle) CheckHealth(ctx context.Context) (bool, error) {
	p := h.page.Context(ctx).Timeout(h.cfg.NavTimeout)

	res, err := p.Eval(`() => document.readyState`)
	if err != nil {
		return false, nil
	}
	if res.Value.Str() != "complete" {
		return false, nil
	}
	ok, _, err := p.Has(selChatList)
	if err != nil {
		return false, nil
	}
	return ok, nil
}

func (h *handle) SendText(ctx context.Context, recipient, text string) (driver.SendResult, error) {
	p, err := h.openConversation(ctx, recipient)
	if err != nil {
		return h.failure(ctx), err
	}

	composer, err := p.Element(selComposer)
	if err != nil {
		return h.failure(ctx), fmt.Errorf("locate composer: %w", err)
	}
	if err := composer.Input(text); err != nil {
		return h.failure(ctx), fmt.Errorf("type message: %w", err)
	}
	if err := composer.Type(input.Enter); err != nil {
		return h.failure(ctx), fmt.Errorf("submit message: %w", err)
	}

	return h.confirm(ctx)
}

func (h *handle) SendImage(ctx context.Context, recipient, localPath, caption string) (driver.SendResult, error) {
	p, err := h.openConversation(ctx, recipient)
	if err != nil {
		return h.failure(ctx), err
	}

	attach, err := p.Element(selAttach)
	if err != nil {
		return h.failure(ctx), fmt.Errorf("locate attach control: %w", err)
	}
	if err := attach.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return h.failure(ctx), fmt.Errorf("open attach menu: %w", err)
	}

	fileInput, err := p.Element(selFileInput)
	if err != nil {
		return h.failure(ctx), fmt.Errorf("locate file input: %w", err)
	}
	if err := fileInput.SetFiles([]string{localPath}); err != nil {
		return h.failure(ctx), fmt.Errorf("attach file: %w", err)
	}

	if caption != "" {
		if captionEl, err := p.Element(selCaption); err == nil {
			if err := captionEl.Input(caption); err != nil {
				return h.failure(ctx), fmt.Errorf("type caption: %w", err)
			}
		}
	}

	send, err := p.Element(selMediaSend)
	if err != nil {
		return h.failure(ctx), fmt.Errorf("locate media send button: %w", err)
	}
	if err := send.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return h.failure(ctx), fmt.Errorf("submit media: %w", err)
	}

	return h.confirm(ctx)
}

func (h *handle) ScrapeContacts(ctx context.Context, max int) ([]driver.Contact, error) {
	p := h.page.Context(ctx).Timeout(h.cfg.NavTimeout)

	tiles, err := p.Elements(selChatTile)
	if err != nil {
		return nil, fmt.Errorf("list chat tiles: %w", err)
	}

	var out []driver.Contact
	for _, tile := range tiles {
		if max > 0 && len(out) >= max {
			break
		}
		var c driver.Contact
		if nameEl, err := tile.Element(selTileName); err == nil {
			if name, err := nameEl.Text(); err == nil {
				c.Name = name
			}
		}
		if phoneEl, err := tile.Element(selTilePhone); err == nil {
			if phone, err := phoneEl.Text(); err == nil {
				c.Phone = phone
			}
		}
		if c.Phone == "" {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (h *handle) Close(ctx context.Context) error {
	err := h.browser.Close()
	h.launcher.Cleanup()
	slog.Info("driver handle closed", "tenant", h.tenantID)
	return err
}

func (h *handle) openConversation(ctx context.Context, recipient string) (*rod.Page, error) {
	p := h.page.Context(ctx).Timeout(h.cfg.NavTimeout)

	target := fmt.Sprintf("%s/send?phone=%s", h.cfg.ClientURL, url.QueryEscape(recipient))
	if err := p.Navigate(target); err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	if err := p.WaitLoad(); err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if _, err := p.Element(selComposer); err != nil {
		return nil, fmt.Errorf("conversation not ready for %s: %w", recipient, err)
	}
	return p, nil
}

// confirm inspects the last message bubble after a send. An explicit
// error indicator is a driver-reported failure; a sent tick is a
// positive confirmation; neither is reported as unconfirmed success
// and left to the dispatcher's confidence policy.
func (h *handle) confirm(ctx context.Context) (driver.SendResult, error) {
	p := h.page.Context(ctx).Timeout(sendSettle)

	if ok, _, err := p.Has(selSendError); err == nil && ok {
		res := h.failure(ctx)
		return res, fmt.Errorf("client reported send failure")
	}
	if ok, _, err := p.Has(selSentTick); err == nil && ok {
		return driver.SendResult{Confirmed: true}, nil
	}
	return driver.SendResult{Confirmed: false}, nil
}

// failure grabs a viewport screenshot for the evidence trail. Best
// effort: a dead page simply yields no evidence.
func (h *handle) failure(ctx context.Context) driver.SendResult {
	png, err := h.page.Context(ctx).Timeout(sendSettle).Screenshot(false, nil)
	if err != nil {
		return driver.SendResult{}
	}
	return driver.SendResult{EvidencePNG: png}
}
