package audit

/*
Файл trail.go реализует платежный Audit Trail - асинхронный сборщик событий
проверки оплаты с пакетной записью в хранилище.

- Non-blocking: события из Hot Path уходят в буферизированный канал, запись в БД
  не влияет на время ответа фасилитатора.
- Batching: пакетная запись (Bulk Insert) по таймеру или при накоплении batchSize событий.
- Drain Pattern: Stop закрывает канал, воркер вычитывает остаток и делает финальный flush.
- Load Shedding: при переполнении буфера событие пишется в лог и отбрасывается.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const batchSize = 100

// StorageInterface определяет, куда физически сохраняются события
type StorageInterface interface {
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Auditor interface {
	Log(event AuditEvent)
}

// Gauge - заполненность буфера (prometheus.Gauge подходит).
type Gauge interface {
	Set(float64)
}

type Trail struct {
	ch            chan AuditEvent
	repo          StorageInterface
	logger        *zap.Logger
	flushInterval time.Duration
	fill          Gauge
	wg            sync.WaitGroup
	isClosed      int32 // 0 - открыт, 1 - закрыт
}

func NewTrail(repo StorageInterface, logger *zap.Logger, bufferSize int, flushInterval time.Duration) *Trail {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	if flushInterval <= 0 {
		flushInterval = 500 * time.Millisecond
	}
	return &Trail{
		ch:            make(chan AuditEvent, bufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "audit-trail")),
		flushInterval: flushInterval,
	}
}

// WithFillGauge подключает метрику заполненности буфера.
func (t *Trail) WithFillGauge(g Gauge) *Trail {
	t.fill = g
	return t
}

func (t *Trail) Start() {
	t.wg.Add(1)
	go t.worker()
}

// Stop запирает вход и ждет, пока воркер всё допишет.
func (t *Trail) Stop() {
	if !atomic.CompareAndSwapInt32(&t.isClosed, 0, 1) {
		return
	}
	// пауза, чтобы текущие Log успели проскочить
	time.Sleep(10 * time.Millisecond)

	t.logger.Info("stopping audit trail: closing channel and flushing buffer")
	close(t.ch)
	t.wg.Wait()
	t.logger.Info("audit trail stopped gracefully")
}

func (t *Trail) Log(event AuditEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if atomic.LoadInt32(&t.isClosed) == 1 {
		t.logger.Warn("audit event dropped: trail is stopping", zap.String("id", event.ID))
		return
	}

	select {
	case t.ch <- event:
	default:
		t.logger.Error("audit_buffer_overflow",
			zap.String("kind", event.Kind),
			zap.String("nonce", event.Nonce),
			zap.String("outcome", event.Outcome),
			zap.String("trace_id", event.TraceID),
		)
	}
}

func (t *Trail) worker() {
	defer t.wg.Done()

	batch := make([]AuditEvent, 0, batchSize)
	ticker := time.NewTicker(t.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if t.fill != nil {
			t.fill.Set(float64(len(t.ch)) / float64(cap(t.ch)))
		}
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст может быть уже закрыт
		if err := t.repo.WriteBatch(context.Background(), batch); err != nil {
			t.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case event, ok := <-t.ch:
			if !ok {
				// канал закрыт в Stop: остаток уже вычитан
				flush()
				t.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Nop - аудитор, который ничего не пишет.
type Nop struct{}

func (Nop) Log(AuditEvent) {}
