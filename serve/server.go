// Package serve wires the chat transport to the provisioning and lifecycle
// layers. The Server is the event router: inbound messages and selections are
// first offered to waiting sessions, then interpreted as commands or
// container actions. The Telegram bridge (telegram.go) is the only
// transport-specific code; everything else works against chat.Collaborator.
package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"

	hivehost "github.com/hivehost/hivehost"
	"github.com/hivehost/hivehost/chat"
	"github.com/hivehost/hivehost/lifecycle"
	"github.com/hivehost/hivehost/registry"
	"github.com/hivehost/hivehost/runtime"
	"github.com/hivehost/hivehost/session"
)

// updateUploadTimeout bounds how long an update action waits for the archive.
const updateUploadTimeout = 5 * time.Minute

// Server routes chat events to sessions and the lifecycle controller.
type Server struct {
	cfg       *hivehost.Config
	reg       *registry.Registry
	rt        runtime.Adapter
	collab    chat.Collaborator
	collector *chat.Collector
	ctl       *lifecycle.Controller

	mu     sync.Mutex
	active map[string]bool // users with a provisioning session in flight

	sessionOpts []session.Option
}

// NewServer creates a Server over the given transport.
func NewServer(cfg *hivehost.Config, reg *registry.Registry, rt runtime.Adapter, collab chat.Collaborator, opts ...session.Option) *Server {
	return &Server{
		cfg:         cfg,
		reg:         reg,
		rt:          rt,
		collab:      collab,
		collector:   chat.NewCollector(),
		ctl:         lifecycle.NewController(cfg, reg, rt, collab),
		active:      make(map[string]bool),
		sessionOpts: opts,
	}
}

// Serve pumps Telegram updates through the router until ctx is cancelled or
// the update channel closes. Each event is handled in its own goroutine.
func (s *Server) Serve(ctx context.Context, updates tgbotapi.UpdatesChannel, tg *Telegram) error {
	slog.Info("serving", "bot", tg.Self())
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			switch {
			case update.Message != nil && update.Message.From != nil:
				msg := toMessage(update.Message)
				go s.HandleMessage(ctx, msg)
			case update.CallbackQuery != nil:
				tg.AckCallback(update.CallbackQuery.ID)
				if sel, ok := toSelection(update.CallbackQuery); ok {
					go s.HandleSelection(ctx, sel)
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HandleMessage offers the message to any waiting session, then interprets it
// as a command.
func (s *Server) HandleMessage(ctx context.Context, msg chat.Message) {
	if s.collector.DeliverMessage(msg) {
		return
	}

	switch strings.ToLower(strings.TrimSpace(msg.Content)) {
	case "/up", "up":
		s.startProvisioning(ctx, msg.AuthorID)
	case "/list", "list":
		s.listContainers(ctx, msg.ChannelID, msg.AuthorID)
	case "/lang", "lang":
		s.sendLanguageMenu(ctx, msg.ChannelID, msg.AuthorID)
	case "/start", "/help", "help":
		s.say(ctx, msg.ChannelID, usageText)
	}
}

// HandleSelection offers the selection to any waiting session, then routes
// container action menus.
func (s *Server) HandleSelection(ctx context.Context, sel chat.Selection) {
	if s.collector.DeliverSelection(sel) {
		return
	}
	if len(sel.Values) == 0 {
		return
	}

	kind, owner, botID, ok := splitCustomID(sel.CustomID)
	if !ok {
		return
	}
	switch kind {
	case "manage":
		s.dispatchAction(ctx, sel, owner, botID, sel.Values[0])
	case "resize":
		s.applyResize(ctx, sel, owner, botID, sel.Values[0])
	case "locale":
		s.applyLanguage(ctx, sel, owner, sel.Values[0])
	}
}

// splitCustomID parses "<kind>_<userID>_<botID>".
func splitCustomID(customID string) (kind, userID, botID string, ok bool) {
	parts := strings.Split(customID, "_")
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

const usageText = "Commands:\n" +
	"  up   - host a new bot\n" +
	"  list - manage your hosted bots\n" +
	"  lang - choose your display language"

// defaultLocale is assumed when a user has never picked one.
const defaultLocale = "en"

var localeOptions = []chat.SelectOption{
	{Label: "English", Value: "en"},
	{Label: "Português (Brasil)", Value: "pt-br"},
	{Label: "Français", Value: "fr"},
	{Label: "日本語", Value: "ja"},
	{Label: "中文", Value: "zh"},
	{Label: "Español", Value: "es"},
}

// sendLanguageMenu shows the locale picker with the user's current choice.
func (s *Server) sendLanguageMenu(ctx context.Context, channelID, userID string) {
	current, err := s.reg.UserLanguage(userID)
	if err != nil {
		slog.Error("read language preference", "user", userID, "error", err)
		s.say(ctx, channelID, "Something went wrong, try again later.")
		return
	}
	if current == "" {
		current = defaultLocale
	}
	customID := fmt.Sprintf("locale_%s_set", userID)
	prompt := fmt.Sprintf("Display language (current: %s):", current)
	if _, err := s.collab.SendSelect(ctx, channelID, prompt, customID, localeOptions); err != nil {
		slog.Warn("send language menu failed", "user", userID, "error", err)
	}
}

func (s *Server) applyLanguage(ctx context.Context, sel chat.Selection, owner, value string) {
	if sel.UserID != owner {
		s.say(ctx, sel.ChannelID, "That menu is not yours.")
		return
	}
	var known bool
	for _, opt := range localeOptions {
		if opt.Value == value {
			known = true
			break
		}
	}
	if !known {
		return
	}
	if err := s.reg.SetLanguage(owner, value); err != nil {
		s.report(ctx, sel.ChannelID, "language", err)
		return
	}
	s.say(ctx, sel.ChannelID, "Display language set to "+value+".")
}

func (s *Server) startProvisioning(ctx context.Context, userID string) {
	s.mu.Lock()
	if s.active[userID] {
		s.mu.Unlock()
		s.say(ctx, userID, "You already have a setup in progress.")
		return
	}
	s.active[userID] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.active, userID)
		s.mu.Unlock()
	}()

	sess, err := session.New(userID, s.cfg, s.reg, s.rt, s.collab, s.collector, s.sessionOpts...)
	if err != nil {
		if errors.Is(err, hivehost.ErrQuotaExceeded) {
			s.say(ctx, userID, fmt.Sprintf("You already host %d bots, the limit. Delete one first.", s.cfg.MaxContainersPerUser))
		} else {
			slog.Error("session create failed", "user", userID, "error", err)
			s.say(ctx, userID, "Something went wrong, try again later.")
		}
		return
	}

	rec, err := sess.Run(ctx)
	if err != nil {
		slog.Warn("provisioning failed", "user", userID, "error", err)
		return
	}
	slog.Info("provisioned", "user", userID, "bot", rec.BotID, "container", rec.ContainerID)
}

// listContainers renders one action menu per hosted bot.
func (s *Server) listContainers(ctx context.Context, channelID, userID string) {
	recs, err := s.reg.Containers(userID)
	if err != nil {
		slog.Error("list containers", "user", userID, "error", err)
		s.say(ctx, channelID, "Something went wrong, try again later.")
		return
	}
	if len(recs) == 0 {
		s.say(ctx, channelID, "You are not hosting any bots yet. Send `up` to start.")
		return
	}

	for _, rec := range recs {
		prompt := fmt.Sprintf("%s: %s, %dMB, %s", rec.Name, rec.Language, rec.RAM, rec.Status)
		customID := fmt.Sprintf("manage_%s_%s", userID, rec.BotID)
		if _, err := s.collab.SendSelect(ctx, channelID, prompt, customID, actionOptions); err != nil {
			slog.Warn("send action menu failed", "user", userID, "error", err)
		}
	}
}

var actionOptions = []chat.SelectOption{
	{Label: "Start", Value: "start"},
	{Label: "Stop", Value: "stop"},
	{Label: "Restart", Value: "restart"},
	{Label: "Status", Value: "refresh"},
	{Label: "Logs", Value: "logs"},
	{Label: "Update code", Value: "update"},
	{Label: "Install packages", Value: "apt"},
	{Label: "Resize RAM", Value: "resize"},
	{Label: "Backup", Value: "backup"},
	{Label: "Delete", Value: "delete"},
}

// resolveContainer maps a bot id back to its container record. Callback data
// carries the bot id because it is short; the controller works on container
// ids.
func (s *Server) resolveContainer(owner, botID string) (registry.Record, error) {
	recs, err := s.reg.Containers(owner)
	if err != nil {
		return registry.Record{}, err
	}
	for _, rec := range recs {
		if rec.BotID == botID {
			return rec, nil
		}
	}
	return registry.Record{}, hivehost.ErrNotFound
}

func (s *Server) dispatchAction(ctx context.Context, sel chat.Selection, owner, botID, action string) {
	rec, err := s.resolveContainer(owner, botID)
	if err != nil {
		s.report(ctx, sel.ChannelID, action, err)
		return
	}
	cid := rec.ContainerID

	switch action {
	case "start":
		err = s.ctl.Start(ctx, sel.UserID, owner, cid)
		s.report(ctx, sel.ChannelID, "start", err)
	case "stop":
		err = s.ctl.Stop(ctx, sel.UserID, owner, cid)
		s.report(ctx, sel.ChannelID, "stop", err)
	case "restart":
		err = s.ctl.Restart(ctx, sel.UserID, owner, cid)
		s.report(ctx, sel.ChannelID, "restart", err)
	case "delete":
		err = s.ctl.Delete(ctx, sel.UserID, owner, cid)
		s.report(ctx, sel.ChannelID, "delete", err)
	case "refresh":
		view, err := s.ctl.Refresh(ctx, sel.UserID, owner, cid)
		if err != nil {
			s.report(ctx, sel.ChannelID, "status", err)
			return
		}
		s.say(ctx, sel.ChannelID, renderStatus(view))
	case "logs":
		out, err := s.ctl.Logs(ctx, sel.UserID, owner, cid)
		if err != nil {
			s.report(ctx, sel.ChannelID, "logs", err)
			return
		}
		if out == "" {
			out = "(no output)"
		}
		s.say(ctx, sel.ChannelID, out)
	case "backup":
		err = s.ctl.Backup(ctx, sel.UserID, owner, cid, sel.ChannelID)
		if err != nil {
			s.report(ctx, sel.ChannelID, "backup", err)
		}
	case "resize":
		s.sendResizeMenu(ctx, sel.ChannelID, owner, botID)
	case "update":
		s.runUpdate(ctx, sel, owner, cid)
	case "apt":
		s.runInstall(ctx, sel, owner, cid)
	}
}

// sendResizeMenu offers the allowed memory limits.
func (s *Server) sendResizeMenu(ctx context.Context, channelID, owner, botID string) {
	var opts []chat.SelectOption
	for ram := s.cfg.MinRAMMB; ram <= s.cfg.MaxRAMMB; ram *= 2 {
		opts = append(opts, chat.SelectOption{Label: fmt.Sprintf("%d MB", ram), Value: strconv.Itoa(ram)})
	}
	customID := fmt.Sprintf("resize_%s_%s", owner, botID)
	if _, err := s.collab.SendSelect(ctx, channelID, "New memory limit:", customID, opts); err != nil {
		slog.Warn("send resize menu failed", "user", owner, "error", err)
	}
}

func (s *Server) applyResize(ctx context.Context, sel chat.Selection, owner, botID, value string) {
	rec, err := s.resolveContainer(owner, botID)
	if err != nil {
		s.report(ctx, sel.ChannelID, "resize", err)
		return
	}
	ram, err := strconv.Atoi(value)
	if err != nil {
		s.report(ctx, sel.ChannelID, "resize", fmt.Errorf("%q is not a number: %w", value, hivehost.ErrValidation))
		return
	}
	err = s.ctl.Resize(ctx, sel.UserID, owner, rec.ContainerID, ram)
	s.report(ctx, sel.ChannelID, "resize", err)
}

// runUpdate prompts for a new archive, waits for the upload, and hands it to
// the update workflow.
func (s *Server) runUpdate(ctx context.Context, sel chat.Selection, owner, containerID string) {
	s.say(ctx, sel.ChannelID, "Upload the new .zip archive of your bot's code.")

	msg, err := s.collector.AwaitMessage(ctx, sel.ChannelID, updateUploadTimeout, func(m chat.Message) bool {
		return m.AuthorID == sel.UserID && len(m.Attachments) == 1 &&
			strings.HasSuffix(strings.ToLower(m.Attachments[0].Name), ".zip")
	})
	if err != nil {
		if errors.Is(err, hivehost.ErrTimeout) {
			s.say(ctx, sel.ChannelID, "No archive received, update cancelled.")
		}
		return
	}

	zipPath := filepath.Join(s.cfg.DataDir, "tmp", fmt.Sprintf("update_%s_%s.zip", owner, uuid.NewString()[:8]))
	if err := os.MkdirAll(filepath.Dir(zipPath), 0755); err != nil {
		s.report(ctx, sel.ChannelID, "update", err)
		return
	}
	if err := s.collab.FetchAttachment(ctx, msg.Attachments[0], zipPath); err != nil {
		s.report(ctx, sel.ChannelID, "update", err)
		return
	}

	s.say(ctx, sel.ChannelID, "Building the new image, this can take a while...")
	err = s.ctl.Update(ctx, sel.UserID, owner, containerID, zipPath)
	s.report(ctx, sel.ChannelID, "update", err)
}

// aptPromptTimeout bounds how long an install action waits for package names.
const aptPromptTimeout = 2 * time.Minute

// runInstall prompts for package names and installs them in the container.
func (s *Server) runInstall(ctx context.Context, sel chat.Selection, owner, containerID string) {
	s.say(ctx, sel.ChannelID, "Which packages? Send the names separated by spaces.")

	msg, err := s.collector.AwaitMessage(ctx, sel.ChannelID, aptPromptTimeout, func(m chat.Message) bool {
		return m.AuthorID == sel.UserID && strings.TrimSpace(m.Content) != ""
	})
	if err != nil {
		if errors.Is(err, hivehost.ErrTimeout) {
			s.say(ctx, sel.ChannelID, "No package names received, install cancelled.")
		}
		return
	}

	s.say(ctx, sel.ChannelID, "Installing, this can take a while...")
	out, err := s.ctl.InstallPackages(ctx, sel.UserID, owner, containerID, strings.Fields(msg.Content))
	if err != nil {
		s.report(ctx, sel.ChannelID, "install", err)
		return
	}
	if out == "" {
		out = "Packages installed."
	}
	s.say(ctx, sel.ChannelID, out)
}

// renderStatus formats a refreshed view for the chat.
func renderStatus(v lifecycle.ContainerView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", v.Record.Name)
	fmt.Fprintf(&b, "Status: %s\n", v.Record.Status)
	fmt.Fprintf(&b, "RAM limit: %d MB\n", v.Record.RAM)
	if v.Info.Running {
		fmt.Fprintf(&b, "Up since: %s\n", v.Info.StartedAt.Format(time.RFC822))
		fmt.Fprintf(&b, "CPU: %.1f%%\n", v.Stats.CPUPct)
		fmt.Fprintf(&b, "Memory: %.0f / %.0f MB\n", v.Stats.MemUsedMB, v.Stats.MemLimitMB)
		if v.Stats.DiskUsedMB > 0 {
			fmt.Fprintf(&b, "Disk: %.1f MB\n", v.Stats.DiskUsedMB)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// report tells the user how an action ended, with failure text bounded for
// transport.
func (s *Server) report(ctx context.Context, channelID, action string, err error) {
	if err == nil {
		s.say(ctx, channelID, action+": done.")
		return
	}
	slog.Warn("action failed", "action", action, "error", err)
	switch {
	case errors.Is(err, hivehost.ErrPermission):
		s.say(ctx, channelID, "That container is not yours.")
	case errors.Is(err, hivehost.ErrNotFound):
		s.say(ctx, channelID, "Container not found.")
	case errors.Is(err, hivehost.ErrRuntimeTimeout):
		s.say(ctx, channelID, action+" timed out, the container may be in an inconsistent state.")
	default:
		s.say(ctx, channelID, fmt.Sprintf("%s failed: %s", action, hivehost.TruncateMessage(err.Error())))
	}
}

func (s *Server) say(ctx context.Context, channelID, text string) {
	if _, err := s.collab.SendMessage(ctx, channelID, text); err != nil {
		slog.Warn("send failed", "channel", channelID, "error", err)
	}
}
