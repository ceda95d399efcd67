package api

import (
	"encoding/json"
	"net/http"
	"time"

	"seqd/internal/issuance"
	"seqd/internal/routing"
	"seqd/internal/store"
)

// roleToShardType / shardTypeToRole implement the wire encoding of
// store.Role as 0|1 used by generate's force_shard_type request field
// and shard_type response field (spec §6): 0 = Even, 1 = Odd.
func roleToShardType(r store.Role) int {
	if r == store.RoleOdd {
		return 1
	}
	return 0
}

func shardTypeToRole(v int) store.Role {
	if v == 1 {
		return store.RoleOdd
	}
	return store.RoleEven
}

type generateRequest struct {
	BusinessType    string `json:"business_type"`
	TimeKey         string `json:"time_key"`
	Count           int    `json:"count"`
	IncludeRouting  bool   `json:"include_routing"`
	ShardDBCount    int64  `json:"shard_db_count"`
	ShardTableCount int64  `json:"shard_table_count"`
	CustomStepSize  int32  `json:"custom_step_size"`
	ForceShardType  *int   `json:"force_shard_type"`
}

type routingHint struct {
	DBIndex         int64  `json:"db_index"`
	TableIndex      *int64 `json:"table_index,omitempty"`
	ShardDBCount    int64  `json:"shard_db_count"`
	ShardTableCount *int64 `json:"shard_table_count,omitempty"`
	RoutingKey      int64  `json:"routing_key"`
}

type generateResponse struct {
	IDs          []int64      `json:"ids"`
	BusinessType string       `json:"business_type"`
	TimeKey      string       `json:"time_key"`
	ShardType    int          `json:"shard_type"`
	NodeID       string       `json:"node_id"`
	TimestampMs  int64        `json:"timestamp_ms"`
	Routing      *routingHint `json:"routing,omitempty"`
}

// GenerateHandler serves POST /v1/generate (spec §6 "Generate").
func (s *Server) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}

	var forcedRole *store.Role
	if req.ForceShardType != nil {
		role := shardTypeToRole(*req.ForceShardType)
		forcedRole = &role
	}
	var customStep *int32
	if req.CustomStepSize > 0 {
		customStep = &req.CustomStepSize
	}

	result, err := s.engine.Generate(r.Context(), issuance.Request{
		Business:   req.BusinessType,
		TimeKey:    req.TimeKey,
		Count:      req.Count,
		ForcedRole: forcedRole,
		CustomStep: customStep,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "generate failed", err)
		return
	}

	resp := generateResponse{
		IDs:          result.IDs,
		BusinessType: req.BusinessType,
		TimeKey:      req.TimeKey,
		ShardType:    roleToShardType(result.Role),
		NodeID:       result.NodeID,
		TimestampMs:  time.Now().UnixMilli(),
	}

	if req.IncludeRouting && len(result.IDs) > 0 && req.ShardDBCount > 0 {
		hint, err := routing.Compute(result.IDs[0], req.ShardDBCount, req.ShardTableCount)
		if err != nil {
			respondError(w, http.StatusBadRequest, "routing hint failed", err)
			return
		}
		resp.Routing = &routingHint{
			DBIndex:         hint.DBIndex,
			TableIndex:      hint.TableIndex,
			ShardDBCount:    hint.ShardDBCount,
			ShardTableCount: hint.ShardTableCount,
			RoutingKey:      hint.RoutingKey,
		}
	}

	respondOK(w, resp)
}
