package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type tagView struct {
	Name     string      `json:"name"`
	Kind     types.Kind  `json:"kind"`
	Unit     string      `json:"unit,omitempty"`
	Value    types.Value `json:"value"`
	Revision uint64      `json:"revision"`
}

type writeRequest struct {
	Value *types.Value `json:"value" binding:"required"`
}

// GET /api/v1/tags
func (s *Server) listTags(c *gin.Context) {
	snap := s.opts.Space.Snapshot()
	tags := s.opts.Space.Tags()

	response := make([]tagView, 0, len(tags))
	for _, tag := range tags {
		value, _ := snap.Value(tag.Name)
		response = append(response, tagView{
			Name:     tag.Name,
			Kind:     tag.Kind,
			Unit:     tag.Unit,
			Value:    value,
			Revision: snap.Revision,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"tags":     response,
		"count":    len(response),
		"revision": snap.Revision,
	})
}

// GET /api/v1/tags/:name
func (s *Server) getTag(c *gin.Context) {
	name := c.Param("name")
	tag, ok := s.opts.Space.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, types.NewErrorResponse("TAG_404", "Tag not found", name))
		return
	}

	value, revision, err := s.opts.Space.Read(name)
	if err != nil {
		s.tagError(c, err)
		return
	}
	c.JSON(http.StatusOK, tagView{
		Name:     tag.Name,
		Kind:     tag.Kind,
		Unit:     tag.Unit,
		Value:    value,
		Revision: revision,
	})
}

// PUT /api/v1/tags/:name
func (s *Server) writeTag(c *gin.Context) {
	name := c.Param("name")

	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("TAG_400", "Invalid request body", err.Error()))
		return
	}

	revision, err := s.opts.Space.Write(name, *req.Value)
	if err != nil {
		s.tagError(c, err)
		return
	}

	s.logger.Info("Tag written via REST",
		zap.String("tag", name),
		zap.Stringer("value", *req.Value),
		zap.Uint64("revision", revision))

	tag, _ := s.opts.Space.Lookup(name)
	c.JSON(http.StatusOK, tagView{
		Name:     tag.Name,
		Kind:     tag.Kind,
		Unit:     tag.Unit,
		Value:    *req.Value,
		Revision: revision,
	})
}

func (s *Server) tagError(c *gin.Context, err error) {
	var unknown *types.UnknownTagError
	var mismatch *types.TypeMismatchError
	switch {
	case errors.As(err, &unknown):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("TAG_404", "Tag not found", unknown.Name))
	case errors.As(err, &mismatch):
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse("TAG_422", "Type mismatch", err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("TAG_500", "Tag access failed", err.Error()))
	}
}
