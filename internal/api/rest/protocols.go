package rest

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/OpenFieldSim/internal/bacnet"
	"github.com/KevinKickass/OpenFieldSim/internal/s7"
	"github.com/KevinKickass/OpenFieldSim/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func notEnabled(c *gin.Context, code, what string) {
	c.JSON(http.StatusNotFound, types.NewErrorResponse(code, what+" representation not enabled", nil))
}

// ==================== BACNET ====================

type propertyWrite struct {
	Property string       `json:"property"`
	Value    *types.Value `json:"value" binding:"required"`
}

// GET /api/v1/bacnet/objects
func (s *Server) listBACnetObjects(c *gin.Context) {
	if s.opts.BACnet == nil {
		notEnabled(c, "BACNET_404", "BACnet")
		return
	}
	id, name := s.opts.BACnet.Device()
	objects := s.opts.BACnet.Objects()

	c.JSON(http.StatusOK, gin.H{
		"device":  gin.H{"id": id, "name": name},
		"objects": objects,
		"count":   len(objects),
	})
}

func (s *Server) objectID(c *gin.Context) (bacnet.ObjectID, bool) {
	id, err := bacnet.ParseObjectID(c.Param("type") + ":" + c.Param("instance"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BACNET_400", "Invalid object identifier", err.Error()))
		return bacnet.ObjectID{}, false
	}
	return id, true
}

// GET /api/v1/bacnet/objects/:type/:instance
func (s *Server) getBACnetObject(c *gin.Context) {
	if s.opts.BACnet == nil {
		notEnabled(c, "BACNET_404", "BACnet")
		return
	}
	id, ok := s.objectID(c)
	if !ok {
		return
	}

	obj, err := s.opts.BACnet.Object(id)
	if err != nil {
		bacnetError(c, err)
		return
	}
	c.JSON(http.StatusOK, obj)
}

// PUT /api/v1/bacnet/objects/:type/:instance
func (s *Server) writeBACnetObject(c *gin.Context) {
	if s.opts.BACnet == nil {
		notEnabled(c, "BACNET_404", "BACnet")
		return
	}
	id, ok := s.objectID(c)
	if !ok {
		return
	}

	var req propertyWrite
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("BACNET_400", "Invalid request body", err.Error()))
		return
	}
	if req.Property == "" {
		req.Property = bacnet.PropertyPresentValue
	}

	if err := s.opts.BACnet.WriteProperty(id, req.Property, *req.Value); err != nil {
		bacnetError(c, err)
		return
	}

	obj, err := s.opts.BACnet.Object(id)
	if err != nil {
		bacnetError(c, err)
		return
	}
	c.JSON(http.StatusOK, obj)
}

func bacnetError(c *gin.Context, err error) {
	var oerr *bacnet.ObjectError
	if !errors.As(err, &oerr) {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("BACNET_500", "BACnet access failed", err.Error()))
		return
	}

	status := http.StatusBadRequest
	switch oerr.Code {
	case bacnet.ErrorCodeUnknownObject:
		status = http.StatusNotFound
	case bacnet.ErrorCodeWriteAccessDenied:
		status = http.StatusForbidden
	case bacnet.ErrorCodeInvalidDataType:
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, types.NewErrorResponse("BACNET_"+strconv.Itoa(status), oerr.Detail, gin.H{
		"object":     oerr.ID.String(),
		"error_code": oerr.Code,
	}))
}

// ==================== S7 ====================

type areaView struct {
	DB    int    `json:"db"`
	Start int    `json:"start"`
	Size  int    `json:"size"`
	Data  string `json:"data"`
}

type areaWrite struct {
	Start int    `json:"start"`
	Data  string `json:"data" binding:"required"`
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// GET /api/v1/s7/db?start=&size=
func (s *Server) readS7(c *gin.Context) {
	db := s.opts.S7
	if db == nil {
		notEnabled(c, "S7_404", "S7")
		return
	}

	start, err := queryInt(c, "start", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("S7_400", "Invalid start", err.Error()))
		return
	}
	size, err := queryInt(c, "size", db.Size()-start)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("S7_400", "Invalid size", err.Error()))
		return
	}

	data, err := db.ReadArea(start, size)
	if err != nil {
		s7Error(c, err)
		return
	}
	c.JSON(http.StatusOK, areaView{DB: db.Number(), Start: start, Size: size, Data: hex.EncodeToString(data)})
}

// PUT /api/v1/s7/db  {"start": 1, "data": "2a"}
func (s *Server) writeS7(c *gin.Context) {
	db := s.opts.S7
	if db == nil {
		notEnabled(c, "S7_404", "S7")
		return
	}

	var req areaWrite
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("S7_400", "Invalid request body", err.Error()))
		return
	}
	data, err := hex.DecodeString(req.Data)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("S7_400", "Data must be hex encoded", err.Error()))
		return
	}

	if err := db.WriteArea(req.Start, data); err != nil {
		s7Error(c, err)
		return
	}
	c.JSON(http.StatusOK, areaView{DB: db.Number(), Start: req.Start, Size: len(data), Data: req.Data})
}

type addressView struct {
	DB      int         `json:"db"`
	Address string      `json:"address"`
	Kind    types.Kind  `json:"kind"`
	Value   types.Value `json:"value"`
}

// GET /api/v1/s7/db/:address  z.B. DB1.DBB1 oder DB1.DBX8.0
func (s *Server) readS7Address(c *gin.Context) {
	db := s.opts.S7
	if db == nil {
		notEnabled(c, "S7_404", "S7")
		return
	}

	address := c.Param("address")
	value, err := db.ReadAddress(address)
	if err != nil {
		s7Error(c, err)
		return
	}
	c.JSON(http.StatusOK, addressView{DB: db.Number(), Address: address, Kind: value.Kind, Value: value})
}

// PUT /api/v1/s7/db/:address  {"value": 42}
func (s *Server) writeS7Address(c *gin.Context) {
	db := s.opts.S7
	if db == nil {
		notEnabled(c, "S7_404", "S7")
		return
	}

	var req writeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("S7_400", "Invalid request body", err.Error()))
		return
	}

	address := c.Param("address")
	if err := db.WriteAddress(address, *req.Value); err != nil {
		s7Error(c, err)
		return
	}
	value, err := db.ReadAddress(address)
	if err != nil {
		s7Error(c, err)
		return
	}

	s.logger.Info("S7 address written via REST",
		zap.String("address", address),
		zap.Stringer("value", value))
	c.JSON(http.StatusOK, addressView{DB: db.Number(), Address: address, Kind: value.Kind, Value: value})
}

func s7Error(c *gin.Context, err error) {
	var aerr *s7.AreaError
	var unknown *s7.UnknownDBError
	var perr *types.ParseError
	var mismatch *types.TypeMismatchError
	switch {
	case errors.As(err, &aerr):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("S7_400", "Area out of range", err.Error()))
	case errors.As(err, &perr):
		c.JSON(http.StatusBadRequest, types.NewErrorResponse("S7_400", "Invalid address", err.Error()))
	case errors.As(err, &unknown):
		c.JSON(http.StatusNotFound, types.NewErrorResponse("S7_404", "Data block not available", err.Error()))
	case errors.As(err, &mismatch):
		c.JSON(http.StatusUnprocessableEntity, types.NewErrorResponse("S7_422", "Type mismatch", err.Error()))
	default:
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse("S7_500", "S7 access failed", err.Error()))
	}
}

// ==================== OPC UA ====================

// GET /api/v1/opcua/variables
func (s *Server) listVariables(c *gin.Context) {
	if s.opts.Variables == nil {
		notEnabled(c, "OPCUA_404", "OPC UA")
		return
	}
	vars := s.opts.Variables.Variables()
	c.JSON(http.StatusOK, gin.H{
		"variables": vars,
		"count":     len(vars),
	})
}
