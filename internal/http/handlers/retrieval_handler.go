// Retrieval HTTP handlers: stateless similarity search, one-shot answers and
// teaching material generation. None of them touches conversation state.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/services"
)

// SearchRequest is the JSON payload of POST /search.
type SearchRequest struct {
	Query     string   `json:"query" binding:"required" example:"binary search tree insertion"`
	Limit     int      `json:"limit,omitempty" minimum:"0" example:"5"`
	Threshold *float64 `json:"threshold,omitempty" minimum:"-1" maximum:"1" example:"0.5"`
	Category  string   `json:"category,omitempty" enums:"theory,lab"`
	Week      int      `json:"week,omitempty" minimum:"0" maximum:"52"`
}

// SearchResponse lists matching chunks, most similar first.
type SearchResponse struct {
	Results []domain.Source `json:"results"`
	Count   int             `json:"count"`
}

// AskRequest is the JSON payload of POST /ask.
type AskRequest struct {
	Question string `json:"question" binding:"required" example:"What is a heap?"`
	Category string `json:"category,omitempty" enums:"theory,lab"`
	Week     int    `json:"week,omitempty" minimum:"0" maximum:"52"`
}

// GenerateRequest is the JSON payload of POST /generate.
type GenerateRequest struct {
	Topic    string `json:"topic" binding:"required" example:"binary search trees"`
	Audience string `json:"audience,omitempty" example:"undergraduate"`
	Category string `json:"category,omitempty" enums:"theory,lab"`
	Week     int    `json:"week,omitempty" minimum:"0" maximum:"52"`
}

// Search godoc
// @ID          search
// @Summary     Similarity search over course materials
// @Tags        Retrieval
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.SearchRequest  true  "Query"
// @Success     200  {object}  handlers.SearchResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     422  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /search [post]
func (h *Handlers) Search(c *gin.Context) {
	var req SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query required")
		return
	}
	results, err := h.svc.Answers.Search(c.Request.Context(), services.SearchRequest{
		Query:     sanitizeContent(req.Query),
		Limit:     req.Limit,
		Threshold: req.Threshold,
		Category:  req.Category,
		Week:      req.Week,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, SearchResponse{Results: results, Count: len(results)})
}

// Ask godoc
// @ID          ask
// @Summary     Answer one question without conversation memory
// @Tags        Retrieval
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.AskRequest  true  "Question"
// @Success     200  {object}  services.AnswerResult
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     422  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /ask [post]
func (h *Handlers) Ask(c *gin.Context) {
	var req AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "question required")
		return
	}
	res, err := h.svc.Answers.Ask(c.Request.Context(), sanitizeContent(req.Question), req.Category, req.Week)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// Generate godoc
// @ID          generateMaterial
// @Summary     Generate lecture notes, slides and lab code for a topic
// @Tags        Retrieval
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.GenerateRequest  true  "Topic"
// @Success     200  {object}  services.GenerateResult
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     422  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /generate [post]
func (h *Handlers) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "topic required")
		return
	}
	res, err := h.svc.Generate.Generate(c.Request.Context(), services.GenerateRequest{
		Topic:    sanitizeContent(req.Topic),
		Audience: strings.TrimSpace(req.Audience),
		Category: req.Category,
		Week:     req.Week,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}
