package camera

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/normanking/nexusavatar/internal/platform"
	"github.com/rs/zerolog"
)

// Manager drives the camera state machine. It is the only owner of the
// stream handle; other components read through CaptureTarget.
//
// Every Start or RequestPermission begins a new attempt. Results of older
// attempts, and results that arrive after an attempt timed out, are released
// without touching state.
type Manager struct {
	cfg     Config
	devices MediaDevices
	prober  PermissionProber
	caps    platform.Prober
	logger  zerolog.Logger

	mu      sync.Mutex
	state   State
	stream  Stream
	attempt uint64
	cancel  context.CancelFunc

	// notifyMu keeps listener calls in transition order.
	notifyMu   sync.Mutex
	listenerMu sync.RWMutex
	listeners  []func(State)

	wg sync.WaitGroup
}

// NewManager creates a camera manager in the disabled phase. prober may be nil.
func NewManager(cfg Config, devices MediaDevices, prober PermissionProber, caps platform.Prober, logger zerolog.Logger) *Manager {
	def := DefaultConfig()
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = def.AcquireTimeout
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = def.PermissionTimeout
	}
	if cfg.DefaultFacing == "" {
		cfg.DefaultFacing = def.DefaultFacing
	}
	if caps == nil {
		caps = platform.NewStatic(platform.Capabilities{})
	}

	return &Manager{
		cfg:     cfg,
		devices: devices,
		prober:  prober,
		caps:    caps,
		logger:  logger.With().Str("component", "camera").Logger(),
		state:   State{Phase: PhaseDisabled, Facing: cfg.DefaultFacing},
	}
}

// OnChange registers a listener called after every state transition.
// Listeners run synchronously and must not call Start, Stop, SwitchFacing or
// RequestPermission.
func (m *Manager) OnChange(fn func(State)) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenerMu.Unlock()
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Enabled reports whether the camera is switched on, whatever its phase.
func (m *Manager) Enabled() bool {
	return m.State().Phase != PhaseDisabled
}

// CaptureTarget returns the stream to capture from. ok is false unless the
// stream is ready and its video surface is playing.
func (m *Manager) CaptureTarget() (streamID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != PhaseReady || !m.state.ReadyForCapture || m.stream == nil {
		return "", false
	}
	return m.stream.ID(), true
}

// MarkPlaying records that the video surface started playing streamID.
// Notifications for streams other than the held one are ignored.
func (m *Manager) MarkPlaying(streamID string) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.state.Phase != PhaseReady || m.state.StreamID != streamID || m.state.ReadyForCapture {
		m.mu.Unlock()
		return
	}
	m.state.ReadyForCapture = true
	snap := m.state
	m.mu.Unlock()

	m.logger.Debug().Str("stream", streamID).Msg("Video surface playing")
	m.emit(snap)
}

// Start acquires a stream, releasing any stream already held. It blocks until
// the attempt is ready, failed, timed out or superseded, and returns nil,
// a *Error, ErrSuperseded, or the caller's context error.
func (m *Manager) Start(ctx context.Context) error {
	id, actx, cancel := m.begin(ctx)
	defer cancel()

	caps := m.caps.Capabilities()
	if caps.MediaCapture == platform.Unavailable {
		return m.fail(id, newError(KindUnsupported, msgUnsupported, nil))
	}

	timer := time.NewTimer(m.cfg.AcquireTimeout)
	defer timer.Stop()

	results := make(chan acquireResult, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		results <- m.acquire(actx, caps, m.State().Facing)
	}()

	select {
	case res := <-results:
		if res.err != nil {
			if actx.Err() != nil {
				return m.abandon(id, ctx)
			}
			return m.fail(id, res.err)
		}
		return m.succeed(id, res.stream)
	case <-timer.C:
		cancel()
		m.releaseLate(id, results)
		m.logger.Warn().Uint64("attempt", id).Dur("timeout", m.cfg.AcquireTimeout).Msg("Camera acquisition timed out")
		return m.fail(id, newError(KindTimeout, msgTimeout, nil))
	case <-actx.Done():
		m.releaseLate(id, results)
		return m.abandon(id, ctx)
	}
}

// Retry restarts acquisition from an error state.
func (m *Manager) Retry(ctx context.Context) error {
	return m.Start(ctx)
}

// SwitchFacing toggles the preferred facing and restarts acquisition.
func (m *Manager) SwitchFacing(ctx context.Context) error {
	m.mu.Lock()
	m.state.Facing = m.state.Facing.Toggle()
	facing := m.state.Facing
	m.mu.Unlock()

	m.logger.Info().Str("facing", string(facing)).Msg("Switching camera")
	return m.Start(ctx)
}

// RequestPermission triggers the host permission prompt with a minimal
// request, releases the resulting stream at once and then starts normally.
// A declined prompt ends in PermissionDenied with its own message.
func (m *Manager) RequestPermission(ctx context.Context) error {
	id, actx, cancel := m.begin(ctx)
	defer cancel()

	if m.caps.Capabilities().MediaCapture == platform.Unavailable {
		return m.fail(id, newError(KindUnsupported, msgUnsupported, nil))
	}

	m.logger.Info().Uint64("attempt", id).Msg("Requesting camera permission")

	pctx, pcancel := context.WithTimeout(actx, m.cfg.PermissionTimeout)
	defer pcancel()

	results := make(chan acquireResult, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s, err := m.devices.GetUserMedia(pctx, Permissive())
		results <- acquireResult{stream: s, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			if actx.Err() != nil {
				return m.abandon(id, ctx)
			}
			if pctx.Err() != nil {
				return m.fail(id, newError(KindTimeout, msgTimeout, res.err))
			}
			cerr := classify(res.err)
			if cerr.Kind == KindPermissionDenied {
				cerr = newError(KindPermissionDenied, msgPermissionDeclined, res.err)
			}
			return m.fail(id, cerr)
		}
		release(res.stream)
	case <-actx.Done():
		m.releaseLate(id, results)
		return m.abandon(id, ctx)
	}

	if !m.isCurrent(id) {
		return ErrSuperseded
	}
	return m.Start(ctx)
}

// Stop releases the stream and disables the camera. Calling it again, or
// while nothing is held, is a no-op.
func (m *Manager) Stop() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	m.attempt++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	held := m.stream
	m.stream = nil
	changed := m.state.Phase != PhaseDisabled
	m.state = State{Phase: PhaseDisabled, Facing: m.state.Facing, Attempt: m.attempt}
	snap := m.state
	m.mu.Unlock()

	release(held)
	if changed {
		m.logger.Info().Msg("Camera disabled")
		m.emit(snap)
	}
}

// Close stops the camera and waits for background acquisitions to unwind.
func (m *Manager) Close() {
	m.Stop()
	m.wg.Wait()
}

type acquireResult struct {
	stream Stream
	err    error
}

// begin opens a new attempt: the held stream is released, any pending
// attempt is cancelled and the phase becomes acquiring.
func (m *Manager) begin(ctx context.Context) (uint64, context.Context, context.CancelFunc) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.cancel != nil {
		m.cancel()
	}
	held := m.stream
	m.stream = nil
	m.attempt++
	id := m.attempt
	actx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.state = State{Phase: PhaseAcquiring, Facing: m.state.Facing, Attempt: id}
	snap := m.state
	m.mu.Unlock()

	release(held)
	m.logger.Info().Uint64("attempt", id).Str("facing", string(snap.Facing)).Msg("Camera acquisition started")
	m.emit(snap)
	return id, actx, cancel
}

// acquire runs the probe and the media request for one attempt.
func (m *Manager) acquire(ctx context.Context, caps platform.Capabilities, facing Facing) acquireResult {
	if m.prober != nil && caps.PermissionQuery != platform.Unavailable {
		pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		perm, err := m.prober.QueryCamera(pctx)
		cancel()
		switch {
		case err != nil:
			m.logger.Debug().Err(err).Msg("Permission probe unavailable")
		case perm == PermissionDenied:
			return acquireResult{err: newError(KindPermissionDenied, msgPreviouslyDenied, nil)}
		}
	}

	stream, err := m.devices.GetUserMedia(ctx, m.constraints(facing, caps.Mobile))
	if err == nil {
		return acquireResult{stream: stream}
	}
	if !isConstraintRejection(err) {
		return acquireResult{err: classify(err)}
	}

	m.logger.Warn().Err(err).Msg("Camera constraints rejected, retrying without constraints")
	stream, err = m.devices.GetUserMedia(ctx, Permissive())
	if err == nil {
		return acquireResult{stream: stream}
	}
	cerr := classify(err)
	if cerr.Kind == KindUnknown || isConstraintRejection(err) {
		cerr = newError(KindConstraintsUnsatisfiable, msgUnsatisfiable, err)
	}
	return acquireResult{err: cerr}
}

// constraints builds the preferred request. Front facing is always a soft
// preference; back facing only on mobile hosts.
func (m *Manager) constraints(facing Facing, mobile bool) Constraints {
	v := &VideoConstraints{}
	if m.cfg.IdealWidth > 0 || m.cfg.MaxWidth > 0 {
		v.Width = &Range{Ideal: m.cfg.IdealWidth, Max: m.cfg.MaxWidth}
	}
	if m.cfg.IdealHeight > 0 || m.cfg.MaxHeight > 0 {
		v.Height = &Range{Ideal: m.cfg.IdealHeight, Max: m.cfg.MaxHeight}
	}
	switch {
	case facing == FacingFront:
		v.FacingMode = &FacingConstraint{Ideal: "user"}
	case facing == FacingBack && mobile:
		v.FacingMode = &FacingConstraint{Ideal: "environment"}
	}
	return Constraints{Video: v}
}

func (m *Manager) succeed(id uint64, stream Stream) error {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.attempt != id || m.state.Phase != PhaseAcquiring {
		m.mu.Unlock()
		release(stream)
		return ErrSuperseded
	}
	m.stream = stream
	m.state.Phase = PhaseReady
	m.state.StreamID = stream.ID()
	m.state.ReadyForCapture = false
	snap := m.state
	m.mu.Unlock()

	m.logger.Info().Uint64("attempt", id).Str("stream", snap.StreamID).Msg("Camera ready")
	m.emit(snap)
	return nil
}

func (m *Manager) fail(id uint64, err error) error {
	cerr := classify(err)

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.attempt != id || m.state.Phase != PhaseAcquiring {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.state.Phase = PhaseError
	m.state.ErrorKind = cerr.Kind
	m.state.ErrorMessage = cerr.Message
	snap := m.state
	m.mu.Unlock()

	m.logger.Error().Err(cerr).Uint64("attempt", id).Str("kind", string(cerr.Kind)).Msg("Camera acquisition failed")
	m.emit(snap)
	return cerr
}

// abandon handles an attempt whose context ended without a result: either a
// newer attempt replaced it, or the caller gave up.
func (m *Manager) abandon(id uint64, ctx context.Context) error {
	if ctx.Err() == nil {
		return ErrSuperseded
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.attempt != id {
		m.mu.Unlock()
		return ErrSuperseded
	}
	m.cancel = nil
	m.state = State{Phase: PhaseDisabled, Facing: m.state.Facing, Attempt: id}
	snap := m.state
	m.mu.Unlock()

	m.logger.Info().Uint64("attempt", id).Msg("Camera acquisition abandoned")
	m.emit(snap)
	return ctx.Err()
}

// releaseLate waits in the background for an abandoned attempt's result and
// releases whatever stream it produced.
func (m *Manager) releaseLate(id uint64, results <-chan acquireResult) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		res := <-results
		if res.stream != nil {
			m.logger.Debug().Uint64("attempt", id).Str("stream", res.stream.ID()).Msg("Releasing late camera stream")
			release(res.stream)
		}
	}()
}

func (m *Manager) isCurrent(id uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt == id
}

func (m *Manager) emit(s State) {
	m.listenerMu.RLock()
	listeners := make([]func(State), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func release(s Stream) {
	if s == nil {
		return
	}
	for _, t := range s.Tracks() {
		t.Stop()
	}
}

var constraintErrorNames = map[string]bool{
	"OverconstrainedError":        true,
	"ConstraintNotSatisfiedError": true,
}

func isConstraintRejection(err error) bool {
	var me *MediaError
	return errors.As(err, &me) && constraintErrorNames[me.Name]
}

// classify maps a host failure to an error kind and user message.
func classify(err error) *Error {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}

	// Only host exceptions carry text meant for the user.
	var me *MediaError
	if !errors.As(err, &me) {
		return newError(KindUnknown, msgUnknown, err)
	}

	switch me.Name {
	case "NotAllowedError", "SecurityError", "PermissionDeniedError":
		return newError(KindPermissionDenied, msgAccessDenied, err)
	case "NotFoundError", "DevicesNotFoundError":
		return newError(KindDeviceNotFound, msgNotFound, err)
	case "NotReadableError", "TrackStartError", "AbortError":
		return newError(KindDeviceBusy, msgBusy, err)
	case "OverconstrainedError", "ConstraintNotSatisfiedError":
		return newError(KindConstraintsUnsatisfiable, msgUnsatisfiable, err)
	case "NotSupportedError", "TypeError":
		return newError(KindUnsupported, msgUnsupported, err)
	}
	if me.Message != "" {
		return newError(KindUnknown, me.Message, err)
	}
	return newError(KindUnknown, msgUnknown, err)
}
