package router

import (
	"ticketing/internal/checkin"
	"ticketing/internal/eventsettings"

	"github.com/gin-gonic/gin"
)

func verifyQR(v *checkin.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			QRData    string `json:"qrData" binding:"required"`
			CheckedBy string `json:"checkedBy" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		rcpt, err := v.CheckIn(c.Request.Context(), req.QRData, req.CheckedBy)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, rcpt)
	}
}

func checkinLogs(v *checkin.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var f checkin.LogFilter
		if err := c.ShouldBindQuery(&f); err != nil {
			badRequest(c, err.Error())
			return
		}
		logs, err := v.GetCheckinLogs(c.Request.Context(), f)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, logs)
	}
}

func checkinStats(v *checkin.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "event_id")
		if !valid {
			return
		}
		s, err := v.GetCheckinStats(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, s)
	}
}

func getSettings(s *eventsettings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "event_id")
		if !valid {
			return
		}
		st, err := s.GetEventSettings(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	}
}

func updateSettings(s *eventsettings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, valid := paramID(c, "event_id")
		if !valid {
			return
		}
		var req eventsettings.Update
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err.Error())
			return
		}
		st, err := s.UpdateEventSettings(c.Request.Context(), id, req)
		if err != nil {
			fail(c, err)
			return
		}
		ok(c, st)
	}
}
