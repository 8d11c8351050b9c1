package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nicshell/nicshell/pkg/logging"
	"github.com/nicshell/nicshell/pkg/netproto"
	"github.com/nicshell/nicshell/pkg/session"
)

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	mac := s.device.MAC()
	writeJSON(w, http.StatusOK, Response{Success: true, Data: StatusResponse{
		Uptime:        time.Since(s.startTime).Round(time.Second).String(),
		DevicePresent: s.device.Present(),
		DeviceMAC: fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
			mac[0], mac[1], mac[2], mac[3], mac[4], mac[5]),
		ServiceIP:    s.serviceIP,
		ServicePort:  s.servicePort,
		SessionCount: s.table.Count(),
		SessionLimit: session.MaxSessions,
		UserCount:    s.store.Count(),
	}})
}

func (s *Server) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: s.statistics()})
}

// statistics gathers every counter group into one response. The metrics
// collector reuses it on scrape.
func (s *Server) statistics() StatisticsResponse {
	dev := s.device.Stats()
	eng := s.engine.Stats()
	created, evicted := s.table.Stats()
	return StatisticsResponse{
		Device: DeviceStats{
			RxFrames:  dev.RxFrames,
			RxInvalid: dev.RxInvalid,
			TxFrames:  dev.TxFrames,
			TxDropped: dev.TxDropped,
			RingPolls: dev.RingPolls,
		},
		Pipeline: PipelineStats{
			Frames:    eng.Frames,
			NonIPv4:   eng.NonIPv4,
			NonTCP:    eng.NonTCP,
			OtherPort: eng.OtherPort,
			Malformed: eng.Malformed,
			TableFull: eng.TableFull,
			NoSession: eng.NoSession,
			AuthOK:    eng.AuthOK,
			AuthFail:  eng.AuthFail,
			Commands:  eng.Commands,
			Closed:    eng.Closed,
			Sent:      eng.Sent,
		},
		Sessions: SessionStats{
			Active:  s.table.Count(),
			Created: created,
			Evicted: evicted,
		},
	}
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	snap := s.table.Snapshot()
	entries := make([]SessionEntry, 0, len(snap))
	now := time.Now()
	for _, sess := range snap {
		entries = append(entries, SessionEntry{
			ClientAddr:    fmt.Sprintf("%s:%d", netproto.Uint32ToIP(sess.ClientIP), sess.ClientPort),
			Username:      sess.Username,
			Authenticated: sess.Authenticated,
			Seq:           sess.Seq,
			Ack:           sess.Ack,
			CreatedAt:     formatTime(sess.CreatedAt),
			IdleSeconds:   int64(now.Sub(sess.LastActivity).Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: entries})
}

func (s *Server) usersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: s.store.Usernames()})
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeError(w, http.StatusServiceUnavailable, "event buffer not available")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "bad limit")
			return
		}
		limit = n
	}

	var recs []logging.EventRecord
	if typ := r.URL.Query().Get("type"); typ != "" {
		recs = s.eventBuf.LatestByType(limit, typ)
	} else {
		recs = s.eventBuf.Latest(limit)
	}

	entries := make([]EventEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, eventEntryFromRecord(rec))
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: entries})
}

func (s *Server) clearSessionsHandler(w http.ResponseWriter, r *http.Request) {
	n := s.table.Clear()
	slog.Info("sessions cleared via API", "count", n)
	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    map[string]int{"cleared": n},
	})
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Time:       formatTime(rec.Time),
		Type:       rec.Type,
		ClientAddr: rec.ClientAddr,
		Username:   rec.Username,
		Detail:     rec.Detail,
	}
}