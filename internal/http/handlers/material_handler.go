// Material and ingestion HTTP handlers.
//
//   - POST   /materials               (register a file already on disk)
//   - GET    /materials               (filter by category, week, indexed)
//   - GET    /materials/{id}
//   - DELETE /materials/{id}          (also drops its chunks from the index)
//   - GET    /materials/{id}/chunks
//   - POST   /materials/{id}/ingest   (?force=true rebuilds an indexed material)
//   - POST   /ingest-all              (?force=true)
//   - GET    /index-status
//
// The router mounts these behind RequireRole(admin) when JWT auth is on.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/course-rag-backend/internal/domain"
	"github.com/tbourn/course-rag-backend/internal/repo"
	"github.com/tbourn/course-rag-backend/internal/services"
	"github.com/tbourn/course-rag-backend/internal/utils"
)

// RegisterMaterialRequest is the JSON payload of POST /materials.
type RegisterMaterialRequest struct {
	Title      string `json:"title,omitempty" example:"Lecture 1: Trees"`
	FilePath   string `json:"file_path" binding:"required" example:"week1/lecture1.pdf"`
	Category   string `json:"category" binding:"required" enums:"theory,lab"`
	Topic      string `json:"topic,omitempty" example:"Binary search trees"`
	WeekNumber *int   `json:"week_number,omitempty" minimum:"1" maximum:"52"`
}

// ListMaterialsResponse wraps the material list.
type ListMaterialsResponse struct {
	Materials []domain.CourseMaterial `json:"materials"`
}

// ListChunksResponse wraps the chunks of one material.
type ListChunksResponse struct {
	Chunks []domain.DocumentChunk `json:"chunks"`
}

// IngestAllResponse reports every material processed by POST /ingest-all.
type IngestAllResponse struct {
	Results []services.IngestResult `json:"results"`
	Failed  int                     `json:"failed"`
}

// RegisterMaterial godoc
// @ID          registerMaterial
// @Summary     Register a course material
// @Tags        Materials
// @Accept      json
// @Produce     json
// @Param       body  body  handlers.RegisterMaterialRequest  true  "Material"
// @Success     201  {object}  domain.CourseMaterial
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     403  {object}  handlers.ErrorResponse
// @Router      /materials [post]
func (h *Handlers) RegisterMaterial(c *gin.Context) {
	var req RegisterMaterialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "file_path and category required")
		return
	}
	m, err := h.svc.Materials.Register(c.Request.Context(), services.MaterialInput{
		Title:      req.Title,
		FilePath:   req.FilePath,
		Category:   req.Category,
		Topic:      req.Topic,
		WeekNumber: req.WeekNumber,
		UploadedBy: userID(c),
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, m)
}

// ListMaterials godoc
// @ID          listMaterials
// @Summary     List course materials
// @Tags        Materials
// @Produce     json
// @Param       category  query  string  false  "theory or lab"
// @Param       week      query  int     false  "Course week"  minimum(1) maximum(52)
// @Param       indexed   query  bool    false  "Only (un)indexed materials"
// @Success     200  {object}  handlers.ListMaterialsResponse
// @Failure     400  {object}  handlers.ErrorResponse
// @Router      /materials [get]
func (h *Handlers) ListMaterials(c *gin.Context) {
	var f repo.MaterialFilter
	f.Category = c.Query("category")
	if raw := c.Query("week"); raw != "" {
		w, err := strconv.Atoi(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "week must be an integer")
			return
		}
		f.Week = &w
	}
	if raw := c.Query("indexed"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "indexed must be a boolean")
			return
		}
		f.Indexed = &b
	}
	items, err := h.svc.Materials.List(c.Request.Context(), f)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListMaterialsResponse{Materials: items})
}

// GetMaterial godoc
// @ID          getMaterial
// @Summary     Get a course material
// @Tags        Materials
// @Produce     json
// @Param       id  path  string  true  "Material ID"  format(uuid)
// @Success     200  {object}  domain.CourseMaterial
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /materials/{id} [get]
func (h *Handlers) GetMaterial(c *gin.Context) {
	id, okID := uuidParam(c, "id", "material")
	if !okID {
		return
	}
	m, err := h.svc.Materials.Get(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, m)
}

// DeleteMaterial godoc
// @ID          deleteMaterial
// @Summary     Delete a material, its chunks and its index entries
// @Tags        Materials
// @Param       id  path  string  true  "Material ID"  format(uuid)
// @Success     204  {string}  string  "No Content"
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /materials/{id} [delete]
func (h *Handlers) DeleteMaterial(c *gin.Context) {
	id, okID := uuidParam(c, "id", "material")
	if !okID {
		return
	}
	if err := h.svc.Materials.Delete(c.Request.Context(), id); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// ListMaterialChunks godoc
// @ID          listMaterialChunks
// @Summary     List the chunks of a material
// @Tags        Materials
// @Produce     json
// @Param       id  path  string  true  "Material ID"  format(uuid)
// @Success     200  {object}  handlers.ListChunksResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Router      /materials/{id}/chunks [get]
func (h *Handlers) ListMaterialChunks(c *gin.Context) {
	id, okID := uuidParam(c, "id", "material")
	if !okID {
		return
	}
	chunks, err := h.svc.Materials.ListChunks(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	if chunks == nil {
		chunks = []domain.DocumentChunk{}
	}
	ok(c, http.StatusOK, ListChunksResponse{Chunks: chunks})
}

// IngestMaterial godoc
// @ID          ingestMaterial
// @Summary     Extract, split and embed one material
// @Tags        Ingestion
// @Produce     json
// @Param       id     path   string  true   "Material ID"  format(uuid)
// @Param       force  query  bool    false  "Rebuild even when already indexed"
// @Success     200  {object}  services.IngestResult
// @Failure     400  {object}  handlers.ErrorResponse
// @Failure     404  {object}  handlers.ErrorResponse
// @Failure     503  {object}  handlers.ErrorResponse
// @Router      /materials/{id}/ingest [post]
func (h *Handlers) IngestMaterial(c *gin.Context) {
	id, okID := uuidParam(c, "id", "material")
	if !okID {
		return
	}
	res, err := h.svc.Ingest.Ingest(c.Request.Context(), id, utils.BoolDefault(c.Query("force"), false))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// IngestAll godoc
// @ID          ingestAll
// @Summary     Ingest every unindexed material
// @Description With force=true every material is rebuilt. Failures are reported per material.
// @Tags        Ingestion
// @Produce     json
// @Param       force  query  bool  false  "Rebuild indexed materials too"
// @Success     200  {object}  handlers.IngestAllResponse
// @Router      /ingest-all [post]
func (h *Handlers) IngestAll(c *gin.Context) {
	results, err := h.svc.Ingest.IngestAll(c.Request.Context(), utils.BoolDefault(c.Query("force"), false))
	if err != nil {
		failErr(c, err)
		return
	}
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	ok(c, http.StatusOK, IngestAllResponse{Results: results, Failed: failed})
}

// IndexStatus godoc
// @ID          indexStatus
// @Summary     Materials, chunks and retrieval index size
// @Tags        Ingestion
// @Produce     json
// @Success     200  {object}  services.IndexStatus
// @Router      /index-status [get]
func (h *Handlers) IndexStatus(c *gin.Context) {
	st, err := h.svc.Ingest.IndexStatus(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}
