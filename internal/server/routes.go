package server

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/danmuck/termbus/internal/auth"
	"github.com/danmuck/termbus/internal/counters"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CounterInfo is the JSON view of one allocated counter.
type CounterInfo struct {
	ID             int32  `json:"id"`
	TypeID         int32  `json:"type_id"`
	Label          string `json:"label"`
	RegistrationID int64  `json:"registration_id"`
	OwnerID        int64  `json:"owner_id"`
	State          string `json:"state"`
	Value          int64  `json:"value"`
}

func counterInfo(m counters.Metadata) CounterInfo {
	return CounterInfo{
		ID:             m.ID,
		TypeID:         m.TypeID,
		Label:          m.Label,
		RegistrationID: m.RegistrationID,
		OwnerID:        m.OwnerID,
		State:          m.State.String(),
		Value:          m.Value,
	}
}

func (a *Admin) registerRoutes() {
	routes := a.router
	routes.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(a.Appeared).String(),
			"driver":  a.ID,
			"version": version,
		})
	})

	routes.GET("/metrics", gin.WrapH(promhttp.Handler()))

	routes.GET("/ready", func(c *gin.Context) {
		silent := time.Since(a.driver.HeartbeatTime())
		ready := silent <= a.StaleAfter
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":         ready,
			"heartbeat_age": silent.String(),
			"uptime":        time.Since(a.Appeared).String(),
			"driver":        a.ID,
			"version":       version,
		})
	})

	guarded := routes.Group("/", auth.Require(func() auth.Validator { return a.validator }))

	guarded.GET("/resources", func(c *gin.Context) {
		c.JSON(http.StatusOK, a.driver.Snapshot())
	})

	guarded.GET("/counters", func(c *gin.Context) {
		var typeFilter *int32
		if raw := c.Query("type"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 32)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "type must be an int32"})
				return
			}
			v := int32(n)
			typeFilter = &v
		}
		snapshot := a.driver.Counters().Snapshot()
		out := make([]CounterInfo, 0, len(snapshot))
		for _, m := range snapshot {
			if typeFilter != nil && m.TypeID != *typeFilter {
				continue
			}
			out = append(out, counterInfo(m))
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		c.JSON(http.StatusOK, gin.H{"counters": out})
	})

	guarded.GET("/counters/:id", func(c *gin.Context) {
		n, err := strconv.ParseInt(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an int32"})
			return
		}
		m, ok := a.driver.Counters().Metadata(int32(n))
		if !ok || m.State != counters.StateAllocated {
			c.JSON(http.StatusNotFound, gin.H{"error": counters.ErrUnknownCounter.Error()})
			return
		}
		c.JSON(http.StatusOK, counterInfo(m))
	})
}
