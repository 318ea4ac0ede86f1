// Package handler maps external request shapes onto state-machine
// operations. It holds no business state and adds no retries.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/clearhold/escrow-backend/internal/apperr"
)

// bindStrict decodes a JSON body rejecting unknown fields, so malformed or
// misspelled payloads fail loudly instead of being silently dropped.
func bindStrict(c *gin.Context, out interface{}) error {
	dec := json.NewDecoder(c.Request.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return apperr.Wrap(apperr.KindInvalidArgument, "invalid request body", err)
	}
	return nil
}

// respondError is the single translation point from error kinds to HTTP
// status codes. Unclassified errors become opaque 500s and are logged.
func respondError(c *gin.Context, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindInvalidArgument, apperr.KindInvalidTransition, apperr.KindConflict,
		apperr.KindNoRoute, apperr.KindInsufficientFunds:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperr.KindForbidden:
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case apperr.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case apperr.KindChainUnavailable, apperr.KindContractReverted, apperr.KindBridgeUnavailable:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		logrus.WithField("path", c.Request.URL.Path).WithError(err).Error("unclassified error")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error. Please try again later."})
	}
}
