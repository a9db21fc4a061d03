package agent

import (
	"context"
	"encoding/json"

	"github.com/a2c-smcp/smcp/pkg/smcp"
)

// Notification reactions. Each handler runs on its own goroutine (bus
// dispatch), so follow-up requests through the live agent are safe.

func (a *Agent) onEnterOffice(ctx context.Context, data json.RawMessage) (any, error) {
	note, ok := a.decodeNote(data)
	if !ok || note.OfficeID != a.cfg.OfficeID {
		return nil, nil
	}

	if note.Computer != nil && a.cfg.autoFetchTools() {
		tools, err := a.GetTools(ctx, *note.Computer)
		if err != nil {
			a.logger.Warn("auto get_tools failed", "computer", *note.Computer, "error", err)
		} else if a.handlers.OnToolsReceived != nil {
			a.handlers.OnToolsReceived(ctx, a, *note.Computer, tools)
		}
	}
	if a.handlers.OnComputerEnterOffice != nil {
		a.handlers.OnComputerEnterOffice(ctx, a, note)
	}
	return nil, nil
}

func (a *Agent) onLeaveOffice(ctx context.Context, data json.RawMessage) (any, error) {
	note, ok := a.decodeNote(data)
	if !ok || note.OfficeID != a.cfg.OfficeID {
		return nil, nil
	}

	if note.Computer != nil {
		a.mu.Lock()
		delete(a.tools, *note.Computer)
		a.mu.Unlock()
		a.logger.Debug("tool cache invalidated", "computer", *note.Computer)
	}
	if a.handlers.OnComputerLeaveOffice != nil {
		a.handlers.OnComputerLeaveOffice(ctx, a, note)
	}
	return nil, nil
}

// onComputerUpdate serves both update_config and update_tool_list: either
// way the tool surface may have changed.
func (a *Agent) onComputerUpdate(ctx context.Context, data json.RawMessage) (any, error) {
	note, ok := a.decodeNote(data)
	if !ok || note.OfficeID != a.cfg.OfficeID || note.Computer == nil {
		return nil, nil
	}
	if !a.cfg.autoFetchTools() {
		return nil, nil
	}
	tools, err := a.GetTools(ctx, *note.Computer)
	if err != nil {
		a.logger.Warn("auto get_tools failed", "computer", *note.Computer, "error", err)
		return nil, nil
	}
	if a.handlers.OnToolsReceived != nil {
		a.handlers.OnToolsReceived(ctx, a, *note.Computer, tools)
	}
	return nil, nil
}

func (a *Agent) onUpdateDesktop(ctx context.Context, data json.RawMessage) (any, error) {
	note, ok := a.decodeNote(data)
	if !ok || note.OfficeID != a.cfg.OfficeID || note.Computer == nil {
		return nil, nil
	}
	if !a.cfg.AutoFetchDesktop {
		return nil, nil
	}
	desktops, err := a.GetDesktop(ctx, *note.Computer, nil, nil)
	if err != nil {
		a.logger.Warn("auto get_desktop failed", "computer", *note.Computer, "error", err)
		return nil, nil
	}
	if a.handlers.OnDesktopUpdated != nil {
		a.handlers.OnDesktopUpdated(ctx, a, *note.Computer, desktops)
	}
	return nil, nil
}

func (a *Agent) decodeNote(data json.RawMessage) (smcp.OfficeNotification, bool) {
	var note smcp.OfficeNotification
	if err := json.Unmarshal(data, &note); err != nil {
		a.logger.Warn("malformed notification", "error", err)
		return note, false
	}
	return note, true
}
