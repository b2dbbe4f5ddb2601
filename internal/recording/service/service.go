// Package service implements the recording operations: every mutation of the
// recording tree funnels through one transactional entry point that persists
// the recordable, mutates the tree node, appends the audit event, and emits
// the fire-and-forget notification.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"trellis/internal/access"
	"trellis/internal/notify"
	"trellis/internal/recordable"
	"trellis/internal/recording"
	"trellis/internal/recording/metrics"
	dErrors "trellis/pkg/domain-errors"
	"trellis/pkg/platform/sentinel"
	"trellis/pkg/platform/tx"
)

// IdempotencyMode decides what a duplicate idempotency key does.
type IdempotencyMode string

const (
	// IdempotencyReturnExisting silently returns the original event.
	IdempotencyReturnExisting IdempotencyMode = "return_existing"

	// IdempotencyReject fails the replay with an idempotency-conflict
	// domain error carrying a masked key.
	IdempotencyReject IdempotencyMode = "reject"
)

// ActorProvider supplies the current actor (or impersonator) when an
// operation omits one; typically backed by request context.
type ActorProvider func(ctx context.Context) *recordable.Ref

// Config is the explicit per-deployment configuration of the operations
// layer. Constructed once at startup and passed by reference; there is no
// ambient global state, so tests build isolated configurations freely.
type Config struct {
	ActorProvider        ActorProvider
	ImpersonatorProvider ActorProvider
	IdempotencyMode      IdempotencyMode
	CascadeByDefault     bool

	// Clock defaults to time.Now; tests pin it.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.IdempotencyMode == "" {
		c.IdempotencyMode = IdempotencyReturnExisting
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// roleInvalidator is the optional cache-dropping surface of the access
// checker; the redis-backed checker implements it.
type roleInvalidator interface {
	Invalidate(ctx context.Context, recordingID uuid.UUID)
}

// Service orchestrates recording mutations. All writes run inside a single
// transaction per call; the notification sink is invoked only after commit.
type Service struct {
	cfg         Config
	registry    *recordable.Registry
	entities    recordable.Store
	recordings  recording.Store
	resolver    access.Checker
	invalidator roleInvalidator
	transactor  tx.Transactor
	sink        notify.Sink
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New constructs the operations service. sink and metrics may be nil.
func New(
	cfg Config,
	registry *recordable.Registry,
	entities recordable.Store,
	recordings recording.Store,
	resolver access.Checker,
	transactor tx.Transactor,
	sink notify.Sink,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Service {
	invalidator, _ := resolver.(roleInvalidator)
	return &Service{
		cfg:         cfg.withDefaults(),
		registry:    registry,
		entities:    entities,
		recordings:  recordings,
		resolver:    resolver,
		invalidator: invalidator,
		transactor:  transactor,
		sink:        sink,
		metrics:     m,
		logger:      logger,
		tracer:      otel.Tracer("trellis/recording"),
	}
}

// RecordArgs are the inputs of RecordEvent. Action and Recordable are
// required (Recordable may be omitted only when Recording is given, which
// logs an event against the current snapshot). Exactly one of Recording or
// a resolvable root (RootRecording, Container, or Recording's own root)
// anchors the write.
type RecordArgs struct {
	Action     string
	Recordable recordable.Recordable

	// Recording mutates an existing node instead of creating one.
	Recording *recording.Recording

	// RootRecording scopes a new node; Container is the deprecated alias
	// resolved to its root recording.
	RootRecording   *recording.Recording
	Container       *recordable.Ref
	ParentRecording *recording.Recording

	Actor        *recordable.Ref
	Impersonator *recordable.Ref
	Metadata     map[string]any
	OccurredAt   time.Time

	IdempotencyKey string

	// asRoot is set by RecordRoot: the new node heads its own tree.
	asRoot bool
}

// OpOptions carry the optional inputs shared by the high-level operations.
type OpOptions struct {
	Actor          *recordable.Ref
	Impersonator   *recordable.Ref
	Metadata       map[string]any
	OccurredAt     time.Time
	IdempotencyKey string

	// Cascade overrides the configured default for trash/restore/delete.
	Cascade *bool
}

func (o OpOptions) apply(args *RecordArgs) {
	args.Actor = o.Actor
	args.Impersonator = o.Impersonator
	args.Metadata = o.Metadata
	args.OccurredAt = o.OccurredAt
	args.IdempotencyKey = o.IdempotencyKey
}

// errIdempotencyRace marks a unique-violation on the idempotency index: the
// pre-check missed a concurrent writer, so the caller re-queries after the
// rollback and treats the found event as the replay target.
var errIdempotencyRace = errors.New("idempotency race")

// RecordEvent is the transactional entry point every mutation funnels
// through. It persists the recordable if needed, creates or revises the
// recording, appends the event, and returns it. Callers generally follow
// the returned event's RecordingID.
func (s *Service) RecordEvent(ctx context.Context, args RecordArgs) (*recording.Event, error) {
	start := s.cfg.Clock()
	ctx, span := s.tracer.Start(ctx, "recording.RecordEvent",
		trace.WithAttributes(attribute.String("action", args.Action)))
	defer span.End()

	event, err := s.recordEvent(ctx, args)
	s.metrics.ObserveOperation(args.Action, err, start)
	return event, err
}

func (s *Service) recordEvent(ctx context.Context, args RecordArgs) (*recording.Event, error) {
	if err := s.normalize(ctx, &args); err != nil {
		return nil, err
	}

	// Fast path: a replay against a persisted recording short-circuits
	// before any write.
	if args.IdempotencyKey != "" && args.Recording != nil {
		existing, err := s.recordings.FindEventByIdempotencyKey(ctx, args.Recording.ID, args.IdempotencyKey)
		if err == nil {
			return s.replay(existing, args.IdempotencyKey)
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, err
		}
	}

	var (
		event    *recording.Event
		notified []notify.Notification
	)
	txErr := s.transactor.InTx(ctx, func(ctx context.Context) error {
		var err error
		event, notified, err = s.recordInTx(ctx, args)
		return err
	})
	if txErr != nil {
		if errors.Is(txErr, errIdempotencyRace) && args.Recording != nil {
			// The uniqueness constraint is the real guard; a violation is
			// just another way of learning the event already exists.
			existing, err := s.recordings.FindEventByIdempotencyKey(ctx, args.Recording.ID, args.IdempotencyKey)
			if err != nil {
				return nil, fmt.Errorf("idempotency race requery: %w", err)
			}
			return s.replay(existing, args.IdempotencyKey)
		}
		return nil, txErr
	}

	s.emit(notified)
	return event, nil
}

// normalize validates the argument shape and fills defaults.
func (s *Service) normalize(ctx context.Context, args *RecordArgs) error {
	if args.Action == "" {
		return dErrors.New(dErrors.CodeBadRequest, "action is required")
	}
	if args.Recordable == nil && args.Recording == nil {
		return dErrors.New(dErrors.CodeBadRequest, "recordable is required")
	}
	if args.Recording != nil && args.ParentRecording != nil {
		return dErrors.New(dErrors.CodeBadRequest, "a revision cannot change the parent recording")
	}
	if args.Actor == nil && s.cfg.ActorProvider != nil {
		args.Actor = s.cfg.ActorProvider(ctx)
	}
	if args.Impersonator == nil && s.cfg.ImpersonatorProvider != nil {
		args.Impersonator = s.cfg.ImpersonatorProvider(ctx)
	}
	if args.Metadata == nil {
		args.Metadata = map[string]any{}
	}
	if args.OccurredAt.IsZero() {
		args.OccurredAt = s.cfg.Clock()
	}
	return nil
}

func (s *Service) recordInTx(ctx context.Context, args RecordArgs) (*recording.Event, []notify.Notification, error) {
	now := s.cfg.Clock()

	// Persist the recordable if this operation carries one; log-only
	// events reuse the recording's current snapshot.
	var ref recordable.Ref
	if args.Recordable != nil {
		if err := s.entities.Persist(ctx, args.Recordable); err != nil {
			if errors.Is(err, sentinel.ErrReadOnly) {
				return nil, nil, dErrors.Wrap(dErrors.CodeValidation, "recordable is immutable once persisted", err)
			}
			return nil, nil, dErrors.Wrap(dErrors.CodeValidation, "invalid recordable", err)
		}
		ref = recordable.RefOf(args.Recordable)
	}

	var (
		rec     *recording.Recording
		prevRef *recordable.Ref
	)
	if args.Recording != nil {
		// Revision path: re-read the node so the previous snapshot and
		// trash state are current, not what the caller holds.
		current, err := s.recordings.GetRecording(ctx, args.Recording.ID, true)
		if err != nil {
			return nil, nil, s.translateNotFound(err, "recording")
		}
		if args.Recordable == nil {
			ref = current.Recordable
		}
		previous := current.Recordable
		if ref.Type != previous.Type {
			return nil, nil, dErrors.Newf(dErrors.CodeBadRequest,
				"recordable type must remain %q", previous.Type)
		}
		if ref != previous {
			if err := s.recordings.UpdateRecordable(ctx, current.ID, ref, now); err != nil {
				return nil, nil, err
			}
			if !current.Trashed() {
				if err := s.swapRecordingsCount(ctx, previous, ref); err != nil {
					return nil, nil, err
				}
			}
			prevRef = &previous
			current.Recordable = ref
		}
		rec = current
	} else {
		root, err := s.resolveRoot(ctx, args)
		if err != nil {
			return nil, nil, err
		}
		newRec := &recording.Recording{
			ID:         uuid.New(),
			Recordable: ref,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if args.asRoot {
			newRec.RootRecordingID = newRec.ID
			newRec.Container = args.Container
		} else {
			newRec.RootRecordingID = root.ID
			if args.ParentRecording != nil {
				if args.ParentRecording.RootRecordingID != root.ID {
					return nil, nil, dErrors.New(dErrors.CodeBadRequest,
						"parent recording belongs to a different root")
				}
				parentID := args.ParentRecording.ID
				newRec.ParentRecordingID = &parentID
			} else {
				rootID := root.ID
				newRec.ParentRecordingID = &rootID
			}
		}
		if err := s.recordings.CreateRecording(ctx, newRec); err != nil {
			return nil, nil, err
		}
		if err := s.entities.AdjustCounter(ctx, ref, recordable.CounterRecordings, 1); err != nil {
			return nil, nil, err
		}
		rec = newRec
	}

	event, err := s.appendEvent(ctx, rec, appendArgs{
		action:         args.Action,
		recordable:     ref,
		previous:       prevRef,
		actor:          args.Actor,
		impersonator:   args.Impersonator,
		occurredAt:     args.OccurredAt,
		metadata:       args.Metadata,
		idempotencyKey: args.IdempotencyKey,
	})
	if err != nil {
		return nil, nil, err
	}
	s.invalidateRoles(ctx, rec)
	return event, []notify.Notification{notify.FromEvent(event, rec)}, nil
}

// invalidateRoles drops cached role resolutions after a grant or boundary
// change: the guarded node (the grant's parent) and the root. It runs inside
// the transaction, so a racing read may briefly re-cache the old role; the
// cache TTL bounds that, as it bounds staleness deeper in the subtree.
func (s *Service) invalidateRoles(ctx context.Context, rec *recording.Recording) {
	if s.invalidator == nil {
		return
	}
	switch rec.Recordable.Type {
	case access.TypeAccess, access.TypeAccessBoundary:
	default:
		return
	}
	if rec.ParentRecordingID != nil {
		s.invalidator.Invalidate(ctx, *rec.ParentRecordingID)
	}
	s.invalidator.Invalidate(ctx, rec.RootRecordingID)
}

// resolveRoot enforces the root/container contract for new recordings.
func (s *Service) resolveRoot(ctx context.Context, args RecordArgs) (*recording.Recording, error) {
	if args.asRoot {
		return nil, nil
	}
	if args.RootRecording != nil {
		if !args.RootRecording.IsRoot() {
			return nil, dErrors.New(dErrors.CodeBadRequest, "root recording must be a root")
		}
		return args.RootRecording, nil
	}
	if args.Container != nil {
		root, err := s.recordings.FindRootByContainer(ctx, *args.Container)
		if err != nil {
			return nil, s.translateNotFound(err, "container root")
		}
		return root, nil
	}
	if args.ParentRecording != nil {
		root, err := s.recordings.GetRecording(ctx, args.ParentRecording.RootRecordingID, true)
		if err != nil {
			return nil, s.translateNotFound(err, "parent root")
		}
		return root, nil
	}
	return nil, dErrors.New(dErrors.CodeBadRequest, "a root recording or container is required")
}

type appendArgs struct {
	action         string
	recordable     recordable.Ref
	previous       *recordable.Ref
	actor          *recordable.Ref
	impersonator   *recordable.Ref
	occurredAt     time.Time
	metadata       map[string]any
	idempotencyKey string
}

// appendEvent writes one event row and maintains the events counter. Unique
// violations on the idempotency index surface as errIdempotencyRace for the
// caller to recover outside the transaction.
func (s *Service) appendEvent(ctx context.Context, rec *recording.Recording, args appendArgs) (*recording.Event, error) {
	if args.metadata == nil {
		args.metadata = map[string]any{}
	}
	if args.occurredAt.IsZero() {
		args.occurredAt = s.cfg.Clock()
	}
	event := &recording.Event{
		ID:                 uuid.New(),
		RecordingID:        rec.ID,
		Action:             args.action,
		Recordable:         args.recordable,
		PreviousRecordable: args.previous,
		Actor:              args.actor,
		Impersonator:       args.impersonator,
		OccurredAt:         args.occurredAt,
		Metadata:           args.metadata,
		CreatedAt:          s.cfg.Clock(),
	}
	if args.idempotencyKey != "" {
		key := args.idempotencyKey
		event.IdempotencyKey = &key
	}
	if err := s.recordings.CreateEvent(ctx, event); err != nil {
		if errors.Is(err, sentinel.ErrConflict) && args.idempotencyKey != "" {
			return nil, fmt.Errorf("%w: %v", errIdempotencyRace, err)
		}
		return nil, err
	}
	if err := s.entities.AdjustCounter(ctx, event.Recordable, recordable.CounterEvents, 1); err != nil {
		return nil, err
	}
	return event, nil
}

// replay resolves an idempotency-key match per the configured mode.
func (s *Service) replay(existing *recording.Event, key string) (*recording.Event, error) {
	if s.metrics != nil {
		s.metrics.IdempotentReplays.Inc()
	}
	if s.cfg.IdempotencyMode == IdempotencyReject {
		return nil, dErrors.Newf(dErrors.CodeIdempotencyConflict,
			"idempotency key %s already used", maskKey(key))
	}
	return existing, nil
}

// maskKey hides all but the last four characters so a rejection message
// never leaks a retryable credential.
func maskKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return strings.Repeat("*", len(key)-4) + key[len(key)-4:]
}

// swapRecordingsCount moves one active-recording reference from the old
// recordable to the new one.
func (s *Service) swapRecordingsCount(ctx context.Context, from, to recordable.Ref) error {
	if err := s.entities.AdjustCounter(ctx, from, recordable.CounterRecordings, -1); err != nil {
		return err
	}
	return s.entities.AdjustCounter(ctx, to, recordable.CounterRecordings, 1)
}

func (s *Service) emit(notifications []notify.Notification) {
	if s.sink == nil {
		return
	}
	for _, n := range notifications {
		s.sink.Emit(n)
	}
}

func (s *Service) translateNotFound(err error, what string) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.Wrap(dErrors.CodeNotFound, what+" not found", err)
	}
	return err
}

// cascadeEnabled resolves the per-call override against the configured
// default.
func (s *Service) cascadeEnabled(override *bool) bool {
	if override != nil {
		return *override
	}
	return s.cfg.CascadeByDefault
}
