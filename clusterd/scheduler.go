package clusterd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/kilnhq/swarm"
)

// ScheduleID uniquely identifies a scheduled send.
type ScheduleID int64

// scheduledMessage is the cbor-encoded unit persisted to the schedules
// table — a raw message envelope rather than an arbitrary Go value, since
// delivery is always a swarm.Server.Send of exactly this shape.
type scheduledMessage struct {
	Header  string
	Type    swarm.Type
	Payload []byte
}

type schedule struct {
	id        ScheduleID
	target    string // service name
	msg       scheduledMessage
	cron      *cronSchedule // nil for one-shot
	cronExpr  string
	nextFire  time.Time
	oneShot   bool
	persisted bool
}

// Scheduler manages delayed and recurring sends for a Node. It uses a
// single timer that sleeps until the earliest nextFire time across all
// local schedules, mirroring the core timer wheel's single-sleeper design
// at cluster scope.
type Scheduler struct {
	node      *Node
	mu        sync.Mutex
	schedules map[ScheduleID]*schedule
	nextID    atomic.Int64
	timer     *time.Timer
	notify    chan struct{}
	done      chan struct{}
	doneOnce  sync.Once

	db          SQLDB
	localHostID string
}

func newScheduler(node *Node) *Scheduler {
	s := &Scheduler{
		node:      node,
		schedules: make(map[ScheduleID]*schedule),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	if node.cluster != nil {
		s.db = node.cluster.DB()
		s.localHostID = node.cluster.LocalHostID()
	}
	go s.run()
	if s.db != nil {
		go s.recoveryLoop()
	}
	return s
}

func (s *Scheduler) run() {
	s.timer = time.NewTimer(time.Hour)
	s.timer.Stop()

	for {
		dur := s.timeUntilNext()
		if dur > 0 {
			s.timer.Reset(dur)
		} else {
			s.timer.Reset(time.Hour)
		}

		select {
		case <-s.done:
			s.timer.Stop()
			return
		case <-s.notify:
			s.timer.Stop()
			select {
			case <-s.timer.C:
			default:
			}
		case <-s.timer.C:
			s.fireDue()
		}
	}
}

func (s *Scheduler) recoveryLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.recoverOverdue()
		}
	}
}

// Stop signals the scheduler goroutines to exit. Safe to call more than
// once.
func (s *Scheduler) Stop() {
	s.doneOnce.Do(func() { close(s.done) })
}

// SendAfter schedules a one-shot send to target after delay.
func (n *Node) SendAfter(target string, payload *swarm.Buffer, header string, typ swarm.Type, delay time.Duration) (ScheduleID, error) {
	if delay <= 0 {
		return 0, fmt.Errorf("clusterd: delay must be positive")
	}
	msg := scheduledMessage{Header: header, Type: typ, Payload: payload.Bytes()}
	return n.scheduler.add(target, msg, nil, "", time.Now().Add(delay), true), nil
}

// SendCron schedules a recurring send using a 5-field cron expression
// ("minute hour day-of-month month day-of-week").
func (n *Node) SendCron(target string, payload *swarm.Buffer, header string, typ swarm.Type, cronExpr string) (ScheduleID, error) {
	cs, err := parseCron(cronExpr)
	if err != nil {
		return 0, err
	}
	nextFire := cs.next(time.Now())
	if nextFire.IsZero() {
		return 0, fmt.Errorf("clusterd: cron expression %q has no valid fire time", cronExpr)
	}
	msg := scheduledMessage{Header: header, Type: typ, Payload: payload.Bytes()}
	return n.scheduler.add(target, msg, cs, cronExpr, nextFire, false), nil
}

// CancelSchedule removes a scheduled send. Returns an error only if a
// cluster-mode DB delete fails; always nil standalone.
func (n *Node) CancelSchedule(id ScheduleID) error {
	return n.scheduler.cancel(id)
}

func (s *Scheduler) add(target string, msg scheduledMessage, cron *cronSchedule, cronExpr string, nextFire time.Time, oneShot bool) ScheduleID {
	var id ScheduleID
	persisted := false

	if s.db != nil {
		encoded, err := cbor.Marshal(msg)
		if err != nil {
			slog.Error("scheduler: failed to encode message for persistence", "error", err)
		} else {
			var dbID int64
			err = s.db.QueryRowContext(context.Background(), `
				INSERT INTO schedules (service_name, body, cron_expr, next_fire, one_shot, created_by)
				VALUES ($1, $2, $3, $4, $5, $6)
				RETURNING schedule_id
			`, target, encoded, cronExpr, nextFire.Truncate(time.Microsecond), oneShot, s.localHostID).Scan(&dbID)
			if err != nil {
				slog.Error("scheduler: failed to persist schedule, falling back to local", "error", err)
			} else {
				id = ScheduleID(dbID)
				persisted = true
			}
		}
	}

	if !persisted {
		id = ScheduleID(s.nextID.Add(1))
	}

	s.mu.Lock()
	s.schedules[id] = &schedule{
		id:        id,
		target:    target,
		msg:       msg,
		cron:      cron,
		cronExpr:  cronExpr,
		nextFire:  nextFire,
		oneShot:   oneShot,
		persisted: persisted,
	}
	s.mu.Unlock()

	s.poke()
	return id
}

func (s *Scheduler) cancel(id ScheduleID) error {
	s.mu.Lock()
	_, ok := s.schedules[id]
	if ok {
		delete(s.schedules, id)
	}
	s.mu.Unlock()

	if ok {
		s.node.metrics.SchedulesCancelled.Add(1)
		s.poke()
	}

	if s.db != nil {
		_, err := s.db.ExecContext(context.Background(),
			`DELETE FROM schedules WHERE schedule_id = $1`, int64(id))
		if err != nil {
			return err
		}
	}
	return nil
}

// cancelAll drops every local schedule. Called during Freeze — DB rows
// are left alone so another node's recovery loop can pick them up.
func (s *Scheduler) cancelAll() {
	s.mu.Lock()
	n := int64(len(s.schedules))
	s.schedules = make(map[ScheduleID]*schedule)
	s.mu.Unlock()

	if n > 0 {
		s.node.metrics.SchedulesCancelled.Add(n)
		s.poke()
	}
}

func (s *Scheduler) poke() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Scheduler) count() int {
	s.mu.Lock()
	n := len(s.schedules)
	s.mu.Unlock()
	return n
}

// scheduleInfo is a read-only snapshot of a schedule, for the admin
// listing endpoint.
type scheduleInfo struct {
	ID       ScheduleID
	Target   string
	OneShot  bool
	CronExpr string
	NextFire time.Time
}

func (s *Scheduler) list() []scheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]scheduleInfo, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, scheduleInfo{
			ID:       sched.id,
			Target:   sched.target,
			OneShot:  sched.oneShot,
			CronExpr: sched.cronExpr,
			NextFire: sched.nextFire,
		})
	}
	return out
}

func (s *Scheduler) timeUntilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.schedules) == 0 {
		return 0
	}

	var earliest time.Time
	for _, sched := range s.schedules {
		if earliest.IsZero() || sched.nextFire.Before(earliest) {
			earliest = sched.nextFire
		}
	}

	// An overdue schedule still reports a positive wait, so run() fires it
	// at once instead of treating 0 as "no schedules".
	dur := time.Until(earliest)
	if dur <= 0 {
		dur = time.Nanosecond
	}
	return dur
}

func (s *Scheduler) fireDue() {
	now := time.Now()

	type pending struct {
		id        ScheduleID
		target    string
		msg       scheduledMessage
		cron      *cronSchedule
		cronExpr  string
		persisted bool
		oneShot   bool
	}

	var toFire []pending

	s.mu.Lock()
	for id, sched := range s.schedules {
		if !sched.nextFire.After(now) {
			toFire = append(toFire, pending{
				id:        id,
				target:    sched.target,
				msg:       sched.msg,
				cron:      sched.cron,
				cronExpr:  sched.cronExpr,
				persisted: sched.persisted,
				oneShot:   sched.oneShot,
			})

			if sched.persisted {
				delete(s.schedules, id)
			} else if sched.oneShot {
				delete(s.schedules, id)
			} else {
				sched.nextFire = sched.cron.next(now)
				if sched.nextFire.IsZero() {
					delete(s.schedules, id)
				}
			}
		}
	}
	s.mu.Unlock()

	for _, p := range toFire {
		if p.persisted {
			if !s.claimAndMaybeReschedule(p.id, p.target, p.msg, p.cron, p.cronExpr, p.oneShot, now) {
				continue
			}
		}
		s.node.deliverScheduled(p.target, p.msg)
		s.node.metrics.SchedulesFired.Add(1)
	}
}

func (s *Scheduler) claimAndMaybeReschedule(id ScheduleID, target string, msg scheduledMessage, cron *cronSchedule, cronExpr string, oneShot bool, now time.Time) bool {
	if oneShot {
		result, err := s.db.ExecContext(context.Background(),
			`DELETE FROM schedules WHERE schedule_id = $1 AND next_fire <= now()`, int64(id))
		if err != nil {
			slog.Error("scheduler: one-shot claim failed", "id", id, "error", err)
			return false
		}
		affected, _ := result.RowsAffected()
		return affected > 0
	}

	nextFire := cron.next(now)
	if nextFire.IsZero() {
		s.db.ExecContext(context.Background(), `DELETE FROM schedules WHERE schedule_id = $1`, int64(id))
		return false
	}

	result, err := s.db.ExecContext(context.Background(),
		`UPDATE schedules SET next_fire = $1 WHERE schedule_id = $2 AND next_fire <= now()`,
		nextFire.Truncate(time.Microsecond), int64(id))
	if err != nil {
		slog.Error("scheduler: cron claim failed", "id", id, "error", err)
		return false
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return false
	}

	s.mu.Lock()
	s.schedules[id] = &schedule{
		id:        id,
		target:    target,
		msg:       msg,
		cron:      cron,
		cronExpr:  cronExpr,
		nextFire:  nextFire,
		persisted: true,
	}
	s.mu.Unlock()

	s.poke()
	return true
}

// recoverOverdue polls the database for schedules that fell due while
// their owning node was down, and claims whatever it finds.
func (s *Scheduler) recoverOverdue() {
	rows, err := s.db.QueryContext(context.Background(), `
		SELECT schedule_id, service_name, body, cron_expr, next_fire, one_shot
		FROM schedules
		WHERE next_fire <= now()
		ORDER BY next_fire
		LIMIT 100
	`)
	if err != nil {
		slog.Error("scheduler: recovery query failed", "error", err)
		return
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var (
			dbID        int64
			serviceName string
			bodyData    []byte
			cronExpr    sql.NullString
			nextFire    time.Time
			oneShot     bool
		)
		if err := rows.Scan(&dbID, &serviceName, &bodyData, &cronExpr, &nextFire, &oneShot); err != nil {
			slog.Error("scheduler: recovery scan failed", "error", err)
			continue
		}

		id := ScheduleID(dbID)

		s.mu.Lock()
		_, exists := s.schedules[id]
		s.mu.Unlock()
		if exists {
			continue
		}

		var msg scheduledMessage
		if err := cbor.Unmarshal(bodyData, &msg); err != nil {
			slog.Error("scheduler: recovery decode failed", "schedule_id", dbID, "error", err)
			continue
		}

		if oneShot {
			result, err := s.db.ExecContext(context.Background(),
				`DELETE FROM schedules WHERE schedule_id = $1 AND next_fire <= now()`, dbID)
			if err != nil {
				slog.Error("scheduler: recovery one-shot claim failed", "schedule_id", dbID, "error", err)
				continue
			}
			affected, _ := result.RowsAffected()
			if affected == 0 {
				continue
			}
			s.node.deliverScheduled(serviceName, msg)
			s.node.metrics.SchedulesFired.Add(1)
			s.node.metrics.SchedulesRecovered.Add(1)
			continue
		}

		expr := ""
		if cronExpr.Valid {
			expr = cronExpr.String
		}
		if expr == "" {
			s.db.ExecContext(context.Background(), `DELETE FROM schedules WHERE schedule_id = $1`, dbID)
			continue
		}

		cs, err := parseCron(expr)
		if err != nil {
			slog.Error("scheduler: recovery cron parse failed", "expr", expr, "error", err)
			continue
		}

		newNextFire := cs.next(now)
		if newNextFire.IsZero() {
			s.db.ExecContext(context.Background(), `DELETE FROM schedules WHERE schedule_id = $1`, dbID)
			continue
		}

		result, err := s.db.ExecContext(context.Background(),
			`UPDATE schedules SET next_fire = $1 WHERE schedule_id = $2 AND next_fire <= now()`,
			newNextFire.Truncate(time.Microsecond), dbID)
		if err != nil {
			slog.Error("scheduler: recovery cron claim failed", "schedule_id", dbID, "error", err)
			continue
		}
		affected, _ := result.RowsAffected()
		if affected == 0 {
			continue
		}

		s.node.deliverScheduled(serviceName, msg)
		s.node.metrics.SchedulesFired.Add(1)
		s.node.metrics.SchedulesRecovered.Add(1)

		s.mu.Lock()
		s.schedules[id] = &schedule{
			id:        id,
			target:    serviceName,
			msg:       msg,
			cron:      cs,
			cronExpr:  expr,
			nextFire:  newNextFire,
			persisted: true,
		}
		s.mu.Unlock()

		s.poke()
	}
}

// deliverScheduled activates target if necessary and delivers msg to it.
// A target whose handler is not registered, or that fails to claim
// ownership (another node already owns it), is dropped with a warning
// log and nothing else, matching a fire-and-forget scheduled message's
// semantics under a one-way Send rather than a Request.
func (n *Node) deliverScheduled(target string, msg scheduledMessage) {
	id, err := n.Activate(target, "", true)
	if err != nil {
		slog.Warn("scheduler: activation failed, dropping fire", "target", target, "error", err)
		return
	}
	buf := swarm.NewBuffer(len(msg.Payload))
	buf.WriteBack(msg.Payload)
	if err := n.server.Send(0, id, buf, msg.Header, 0, msg.Type); err != nil {
		slog.Warn("scheduler: delivery failed, dropping fire", "target", target, "error", err)
	}
}
