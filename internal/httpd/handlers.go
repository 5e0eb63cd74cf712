package httpd

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chatwatch/chatwatch/internal/scan"
	"github.com/chatwatch/chatwatch/internal/store"
)

func (s *Server) getStatus(c *gin.Context) {
	snap := s.deps.Register.Get()
	c.JSON(http.StatusOK, gin.H{
		"run":            snap,
		"phase":          s.deps.Machine.Current(),
		"bridge_running": s.deps.Bridge.Running(),
	})
}

func (s *Server) postInterrupt(c *gin.Context) {
	snap := s.deps.Register.Get()
	if !snap.IsActive {
		c.JSON(http.StatusConflict, gin.H{"error": "no active run"})
		return
	}
	if err := s.deps.Register.RequestInterruption(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.log.Info("interruption requested via api")
	c.JSON(http.StatusAccepted, gin.H{"interruption_requested": true})
}

type scanRequest struct {
	ForceFull    bool   `json:"force_full"`
	Limit        int    `json:"limit"`
	Conversation string `json:"conversation"`
	SkipFresh    bool   `json:"skip_fresh"`
}

func (s *Server) postScan(c *gin.Context) {
	var req scanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if s.deps.Engine.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "a scan run is already active"})
		return
	}

	go func() {
		_, err := s.deps.Engine.Run(context.Background(), scan.Options{
			ForceFull:    req.ForceFull,
			Limit:        req.Limit,
			Conversation: req.Conversation,
			SkipFresh:    req.SkipFresh,
		})
		if err != nil && !errors.Is(err, scan.ErrInterrupted) {
			s.log.Error("api-triggered run failed", zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"started": true, "force_full": req.ForceFull})
}

func (s *Server) getConversations(c *gin.Context) {
	convs, err := s.deps.Store.ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(convs))
	for _, conv := range convs {
		out = append(out, gin.H{
			"id":             conv.ID,
			"name":           conv.Name,
			"kind":           conv.Kind,
			"unread_count":   conv.UnreadCount,
			"last_synced_at": conv.LastSyncedAt,
			"message_count":  conv.CachedMessageCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (s *Server) getConversationMessages(c *gin.Context) {
	before := queryInt64(c, "before", 0)
	limit := queryInt(c, "limit", 50)
	msgs, err := s.deps.Store.ListMessages(c.Param("id"), before, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, gin.H{
			"msg_id":    m.MsgID,
			"sender_id": m.SenderID,
			"body":      m.Body,
			"sent_at":   m.SentAt,
			"deleted":   m.Deleted,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) getConversationHistory(c *gin.Context) {
	entries, err := s.deps.Store.HistoryForConversation(c.Param("id"), queryInt(c, "limit", 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": historyJSON(entries)})
}

func (s *Server) getConversationStats(c *gin.Context) {
	stats, err := s.deps.Store.GetConversationStats(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) getMessageHistory(c *gin.Context) {
	entries, err := s.deps.Store.HistoryForMessage(c.Param("conversation"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": historyJSON(entries)})
}

func (s *Server) getHistory(c *gin.Context) {
	entries, err := s.deps.Store.ChangesBetween(
		queryInt64(c, "since", 0),
		queryInt64(c, "until", 0),
		c.Query("action"),
		queryInt(c, "limit", 200),
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": historyJSON(entries)})
}

func (s *Server) getTopMessages(c *gin.Context) {
	stats, err := s.deps.Store.MostEditedMessages(queryInt(c, "limit", 10))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(stats))
	for _, st := range stats {
		out = append(out, gin.H{
			"conversation_id": st.ConversationID,
			"msg_id":          st.MsgID,
			"edit_count":      st.EditCount,
			"current_body":    st.CurrentBody,
			"last_edit_at":    st.LastEditAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": out})
}

func (s *Server) getTopConversations(c *gin.Context) {
	stats, err := s.deps.Store.MostChangedConversations(queryInt(c, "limit", 10))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(stats))
	for _, st := range stats {
		out = append(out, gin.H{
			"conversation_id": st.ConversationID,
			"name":            st.Name,
			"change_count":    st.ChangeCount,
		})
	}
	c.JSON(http.StatusOK, gin.H{"conversations": out})
}

func (s *Server) getRecentChanges(c *gin.Context) {
	events := s.deps.Bus.Recent("change.", queryInt(c, "limit", 20))
	out := make([]any, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Payload)
	}
	c.JSON(http.StatusOK, gin.H{"changes": out})
}

func (s *Server) getSessions(c *gin.Context) {
	sessions, err := s.deps.Store.RecentSessions(queryInt(c, "limit", 10))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, gin.H{
			"id":                  sess.ID,
			"started_at":          sess.StartedAt,
			"ended_at":            sess.EndedAt,
			"total_conversations": sess.TotalConversations,
			"total_messages":      sess.TotalMessages,
			"changes_detected":    sess.ChangesDetected,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

func (s *Server) getStats(c *gin.Context) {
	totals, err := s.deps.Store.TotalsSnapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"totals":   totals,
		"governor": s.deps.Governor.Stats(),
		"bridge":   s.deps.Bridge.Stats(),
	})
}

// getFeed streams change events as newline-delimited JSON, starting with the
// recent-buffer replay. The stream ends when the client disconnects.
func (s *Server) getFeed(c *gin.Context) {
	ch, cancel := s.deps.Bus.Subscribe("change.", 64)
	defer cancel()

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")

	enc := json.NewEncoder(c.Writer)
	for _, evt := range s.deps.Bus.Recent("change.", queryInt(c, "replay", 20)) {
		if err := enc.Encode(evt.Payload); err != nil {
			return
		}
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-ch:
			if !ok {
				return false
			}
			if err := json.NewEncoder(w).Encode(evt.Payload); err != nil {
				return false
			}
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func historyJSON(entries []store.HistoryEntry) []gin.H {
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"id":              e.ID,
			"conversation_id": e.ConversationID,
			"msg_id":          e.MsgID,
			"action":          e.Action,
			"old_body":        e.OldBody,
			"new_body":        e.NewBody,
			"recorded_at":     e.RecordedAt,
			"scan_session":    e.ScanSession,
		})
	}
	return out
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryInt64(c *gin.Context, key string, def int64) int64 {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}
