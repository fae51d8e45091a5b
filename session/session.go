// Package session implements the interactive provisioning workflow: a
// bounded, timeout-driven state machine that collects the parameters for a
// new hosted bot, builds its image, launches its container, and records it in
// the registry. Sessions are ephemeral; every non-success exit removes the
// scratch state it created.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	hivehost "github.com/hivehost/hivehost"
	"github.com/hivehost/hivehost/chat"
	"github.com/hivehost/hivehost/internal/zipx"
	"github.com/hivehost/hivehost/registry"
	"github.com/hivehost/hivehost/runtime"
)

// State identifies the current step of a provisioning session.
type State int

const (
	StateAwaitBotID State = iota
	StateAwaitLanguage
	StateAwaitMainFile
	StateAwaitRAM
	StateAwaitArchive
	StateBuilding
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitBotID:
		return "await-bot-id"
	case StateAwaitLanguage:
		return "await-language"
	case StateAwaitMainFile:
		return "await-main-file"
	case StateAwaitRAM:
		return "await-ram"
	case StateAwaitArchive:
		return "await-archive"
	case StateBuilding:
		return "building"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailReason classifies a terminal failure.
type FailReason string

const (
	FailTimeout  FailReason = "timeout"
	FailNotFound FailReason = "not-found"
	FailBuild    FailReason = "build"
	FailLaunch   FailReason = "launch"
	FailInternal FailReason = "internal"
)

// botIDRe matches the external bot identifier format.
var botIDRe = regexp.MustCompile(`^\d{17,19}$`)

// Default step timeouts. The archive step is longer because of upload latency.
const (
	DefaultStepTimeout    = 120 * time.Second
	DefaultArchiveTimeout = 300 * time.Second
	DefaultFailGrace      = 5 * time.Second
	DefaultSuccessGrace   = 30 * time.Second
)

// params holds the in-progress answers.
type params struct {
	botID    string
	botName  string
	language hivehost.Language
	mainFile string
	ram      int
	zipPath  string
}

// Session walks one user through provisioning a new container. It is bound to
// one ephemeral channel and never shared between users.
type Session struct {
	id     string
	userID string

	cfg       *hivehost.Config
	reg       *registry.Registry
	rt        runtime.Adapter
	collab    chat.Collaborator
	collector *chat.Collector

	stepTimeout    time.Duration
	archiveTimeout time.Duration
	failGrace      time.Duration
	successGrace   time.Duration

	state       State
	reason      FailReason
	channelID   string
	containerID string
	p           params
	scratch     []string
}

// Option configures a Session.
type Option func(*Session)

// WithTimeouts overrides the per-step and archive timeouts.
func WithTimeouts(step, archive time.Duration) Option {
	return func(s *Session) {
		s.stepTimeout = step
		s.archiveTimeout = archive
	}
}

// WithGrace overrides the channel-teardown grace periods.
func WithGrace(fail, success time.Duration) Option {
	return func(s *Session) {
		s.failGrace = fail
		s.successGrace = success
	}
}

// New creates a session for userID. The quota is checked here, before any
// side effect; a full user gets ErrQuotaExceeded and nothing else happens.
func New(userID string, cfg *hivehost.Config, reg *registry.Registry, rt runtime.Adapter, collab chat.Collaborator, collector *chat.Collector, opts ...Option) (*Session, error) {
	ok, err := reg.HasCapacity(userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &hivehost.OpError{Op: "provision", User: userID, Err: hivehost.ErrQuotaExceeded}
	}

	s := &Session{
		id:             uuid.NewString(),
		userID:         userID,
		cfg:            cfg,
		reg:            reg,
		rt:             rt,
		collab:         collab,
		collector:      collector,
		stepTimeout:    DefaultStepTimeout,
		archiveTimeout: DefaultArchiveTimeout,
		failGrace:      DefaultFailGrace,
		successGrace:   DefaultSuccessGrace,
		state:          StateAwaitBotID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State { return s.state }

// Reason returns the failure classification once the session is in
// StateFailed.
func (s *Session) Reason() FailReason { return s.reason }

// ChannelID returns the ephemeral channel the session is bound to.
func (s *Session) ChannelID() string { return s.channelID }

// step binds one state to its handler. Handlers own their prompt, await,
// validation, and acknowledgement.
type step struct {
	state State
	run   func(ctx context.Context) error
}

func (s *Session) steps() []step {
	return []step{
		{StateAwaitBotID, s.stepBotID},
		{StateAwaitLanguage, s.stepLanguage},
		{StateAwaitMainFile, s.stepMainFile},
		{StateAwaitRAM, s.stepRAM},
		{StateAwaitArchive, s.stepArchive},
		{StateBuilding, s.stepBuild},
	}
}

// Run executes the session to a terminal state and returns the created record
// on success. The ephemeral channel is created up front and torn down a grace
// period after the terminal state is reached.
func (s *Session) Run(ctx context.Context) (registry.Record, error) {
	channelID, err := s.collab.CreateChannel(ctx, s.userID, "setup-"+s.userID)
	if err != nil {
		s.state = StateFailed
		s.reason = FailInternal
		return registry.Record{}, fmt.Errorf("create setup channel: %w", err)
	}
	s.channelID = channelID

	for _, st := range s.steps() {
		s.state = st.state
		if err := st.run(ctx); err != nil {
			s.fail(ctx, err)
			return registry.Record{}, err
		}
	}

	rec, err := s.finish(ctx)
	if err != nil {
		s.fail(ctx, err)
		return registry.Record{}, err
	}

	s.state = StateDone
	s.say(ctx, fmt.Sprintf("Your bot is up! Container ID: %s", rec.ContainerID))
	s.teardown(s.successGrace)
	return rec, nil
}

// stepBotID collects and resolves the external bot id.
func (s *Session) stepBotID(ctx context.Context) error {
	s.say(ctx, "Send the ID of the bot you want to host (17-19 digits).")

	msg, err := s.collector.AwaitMessage(ctx, s.channelID, s.stepTimeout, func(m chat.Message) bool {
		return m.AuthorID == s.userID && botIDRe.MatchString(strings.TrimSpace(m.Content))
	})
	if err != nil {
		return err
	}

	botID := strings.TrimSpace(msg.Content)
	profile, err := s.collab.LookupBot(ctx, botID)
	if err != nil {
		return fmt.Errorf("bot %s: %w", botID, hivehost.ErrNotFound)
	}

	s.p.botID = botID
	s.p.botName = profile.Username
	s.say(ctx, fmt.Sprintf("Bot found: %s", profile.Username))
	s.scrub(ctx, msg)
	return nil
}

// stepLanguage collects the language via a closed selection menu.
func (s *Session) stepLanguage(ctx context.Context) error {
	options := make([]chat.SelectOption, 0, len(s.cfg.Languages))
	for _, l := range s.cfg.Languages {
		options = append(options, chat.SelectOption{Label: l.Name, Description: l.Description, Value: l.ID})
	}

	msgID, err := s.collab.SendSelect(ctx, s.channelID, "Pick the language your bot is written in.", "select_language_up", options)
	if err != nil {
		return fmt.Errorf("send language menu: %w", err)
	}

	sel, err := s.collector.AwaitSelection(ctx, s.channelID, s.stepTimeout, func(sel chat.Selection) bool {
		return sel.UserID == s.userID && sel.CustomID == "select_language_up" && len(sel.Values) == 1
	})
	if err != nil {
		return err
	}

	lang, ok := s.cfg.Language(sel.Values[0])
	if !ok {
		// The option set is closed; an unknown value means a transport bug.
		return fmt.Errorf("language %q: %w", sel.Values[0], hivehost.ErrValidation)
	}

	s.p.language = lang
	if err := s.collab.EditMessage(ctx, s.channelID, msgID, "Language: "+lang.Name); err != nil {
		slog.Warn("session: edit language message", "session", s.id, "error", err)
	}
	return nil
}

// stepMainFile collects the entry-point path. No extension enforcement; a bad
// path is validated indirectly by the build.
func (s *Session) stepMainFile(ctx context.Context) error {
	s.say(ctx, fmt.Sprintf("What is your bot's main file? (examples: %s)", s.p.language.MainFileExample))

	msg, err := s.collector.AwaitMessage(ctx, s.channelID, s.stepTimeout, func(m chat.Message) bool {
		return m.AuthorID == s.userID && strings.TrimSpace(m.Content) != ""
	})
	if err != nil {
		return err
	}

	s.p.mainFile = strings.TrimSpace(msg.Content)
	s.say(ctx, "Main file: "+s.p.mainFile)
	s.scrub(ctx, msg)
	return nil
}

// stepRAM collects the memory allocation.
func (s *Session) stepRAM(ctx context.Context) error {
	s.say(ctx, fmt.Sprintf("How much RAM should the bot get, in MB? (%d-%d)", s.cfg.MinRAMMB, s.cfg.MaxRAMMB))

	msg, err := s.collector.AwaitMessage(ctx, s.channelID, s.stepTimeout, func(m chat.Message) bool {
		if m.AuthorID != s.userID {
			return false
		}
		ram, err := strconv.Atoi(strings.TrimSpace(m.Content))
		return err == nil && s.cfg.ValidRAM(ram)
	})
	if err != nil {
		return err
	}

	s.p.ram, _ = strconv.Atoi(strings.TrimSpace(msg.Content))
	s.say(ctx, fmt.Sprintf("RAM allocated: %dMB", s.p.ram))
	s.scrub(ctx, msg)
	return nil
}

// stepArchive collects the source archive and fetches it immediately, so a
// late failure in the build step never requires a re-upload.
func (s *Session) stepArchive(ctx context.Context) error {
	s.say(ctx, "Upload your bot's source code as a .zip file.")

	msg, err := s.collector.AwaitMessage(ctx, s.channelID, s.archiveTimeout, func(m chat.Message) bool {
		return m.AuthorID == s.userID && len(m.Attachments) == 1 &&
			strings.HasSuffix(strings.ToLower(m.Attachments[0].Name), ".zip")
	})
	if err != nil {
		return err
	}

	tmpDir := filepath.Join(s.cfg.DataDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	zipPath := filepath.Join(tmpDir, fmt.Sprintf("%s_%s_%s.zip", s.userID, s.p.botID, s.id))
	if err := s.collab.FetchAttachment(ctx, msg.Attachments[0], zipPath); err != nil {
		return fmt.Errorf("fetch archive: %w", err)
	}

	s.p.zipPath = zipPath
	s.scratch = append(s.scratch, zipPath)
	s.say(ctx, "Archive received.")
	return nil
}

// stepBuild extracts the archive, materializes the Dockerfile, builds the
// image, and creates and starts the container.
func (s *Session) stepBuild(ctx context.Context) error {
	s.say(ctx, "Setting up your bot's environment...")

	extractDir := filepath.Join(s.cfg.DataDir, "containers", s.userID, s.p.botID)
	if err := os.MkdirAll(extractDir, 0755); err != nil {
		return fmt.Errorf("create container dir: %w", err)
	}
	s.scratch = append(s.scratch, extractDir)

	if err := zipx.Extract(s.p.zipPath, extractDir); err != nil {
		s.reason = FailBuild
		return fmt.Errorf("extract archive: %s: %w", err, hivehost.ErrValidation)
	}
	os.Remove(s.p.zipPath)

	if err := WriteDockerfile(s.p.language, s.p.mainFile, extractDir); err != nil {
		s.reason = FailBuild
		return fmt.Errorf("write dockerfile: %w", err)
	}

	s.say(ctx, "Building and starting the container...")

	imageName := registry.ImageName(s.userID, s.p.botID)
	if err := s.rt.BuildImage(ctx, extractDir, imageName); err != nil {
		s.reason = FailBuild
		return err
	}

	name := registry.ContainerName(s.userID, s.p.botID)
	containerID, err := s.rt.CreateContainer(ctx, name, imageName, s.p.ram)
	if err != nil {
		s.reason = FailLaunch
		return err
	}
	if err := s.rt.Start(ctx, containerID); err != nil {
		s.reason = FailLaunch
		// Don't leave a never-started container behind.
		if rmErr := s.rt.Remove(ctx, containerID); rmErr != nil {
			slog.Warn("session: remove unstarted container", "container", containerID, "error", rmErr)
		}
		return err
	}

	s.containerID = containerID
	return nil
}

// finish appends the registry record. The extracted tree stops being scratch
// once the record exists; it is the build context for future updates.
func (s *Session) finish(ctx context.Context) (registry.Record, error) {
	now := time.Now().UTC()
	rec := registry.Record{
		BotID:       s.p.botID,
		ContainerID: s.containerID,
		Name:        registry.ContainerName(s.userID, s.p.botID),
		Language:    s.p.language.ID,
		MainFile:    s.p.mainFile,
		RAM:         s.p.ram,
		Status:      registry.StatusRunning,
		CreatedAt:   now,
	}

	if err := s.reg.Add(s.userID, rec); err != nil {
		// Quota may have filled while we were building. Roll the container back.
		if stopErr := s.rt.Stop(ctx, s.containerID); stopErr != nil {
			slog.Warn("session: rollback stop", "container", s.containerID, "error", stopErr)
		}
		if rmErr := s.rt.Remove(ctx, s.containerID); rmErr != nil {
			slog.Warn("session: rollback remove", "container", s.containerID, "error", rmErr)
		}
		return registry.Record{}, err
	}

	s.scratch = scratchWithout(s.scratch, filepath.Join(s.cfg.DataDir, "containers", s.userID, s.p.botID))
	return rec, nil
}

// fail reports the terminal failure, removes scratch state, and schedules
// channel teardown.
func (s *Session) fail(ctx context.Context, err error) {
	s.state = StateFailed
	if s.reason == "" {
		s.reason = classify(err)
	}

	switch s.reason {
	case FailTimeout:
		s.say(ctx, "Setup timed out. Run the command again when you're ready.")
	case FailNotFound:
		s.say(ctx, "That bot could not be found. Check the ID and try again.")
	default:
		s.say(ctx, "Setup failed: "+hivehost.TruncateMessage(err.Error()))
	}

	s.cleanupScratch()
	s.teardown(s.failGrace)
}

// classify maps a step error to its failure reason.
func classify(err error) FailReason {
	switch {
	case errors.Is(err, hivehost.ErrTimeout):
		return FailTimeout
	case errors.Is(err, hivehost.ErrNotFound):
		return FailNotFound
	case errors.Is(err, hivehost.ErrValidation):
		return FailBuild
	case errors.Is(err, hivehost.ErrRuntime), errors.Is(err, hivehost.ErrRuntimeTimeout):
		return FailLaunch
	default:
		return FailInternal
	}
}

// cleanupScratch removes every scratch file or directory the session created.
func (s *Session) cleanupScratch() {
	for _, path := range s.scratch {
		if err := os.RemoveAll(path); err != nil {
			slog.Warn("session: cleanup scratch", "path", path, "error", err)
		}
	}
	s.scratch = nil
}

func scratchWithout(scratch []string, keep string) []string {
	out := scratch[:0]
	for _, p := range scratch {
		if p != keep {
			out = append(out, p)
		}
	}
	return out
}

// teardown deletes the ephemeral channel after the grace period, letting the
// user read the final message.
func (s *Session) teardown(grace time.Duration) {
	channelID := s.channelID
	go func() {
		time.Sleep(grace)
		if err := s.collab.DeleteChannel(context.Background(), channelID); err != nil {
			slog.Warn("session: delete channel", "channel", channelID, "error", err)
		}
	}()
}

// say posts to the session channel; delivery problems are logged, not fatal.
func (s *Session) say(ctx context.Context, text string) {
	if _, err := s.collab.SendMessage(ctx, s.channelID, text); err != nil {
		slog.Warn("session: send message", "session", s.id, "error", err)
	}
}

// scrub deletes a noisy user input message, best-effort.
func (s *Session) scrub(ctx context.Context, msg chat.Message) {
	if err := s.collab.DeleteMessage(ctx, s.channelID, msg.ID); err != nil {
		slog.Debug("session: delete input message", "message", msg.ID, "error", err)
	}
}
