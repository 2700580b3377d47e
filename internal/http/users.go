package httpserver

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
	"github.com/Clark-Hu/marketplace-ratings/internal/repository"
)

type userCreateRequest struct {
	ID          string `json:"id" validate:"omitempty,max=128"`
	DisplayName string `json:"displayName" validate:"required,max=100"`
}

type userListResponse struct {
	Items      []userResponse `json:"items"`
	NextCursor *string        `json:"nextCursor,omitempty"`
}

type userResponse struct {
	ID          string             `json:"id"`
	DisplayName string             `json:"displayName"`
	Rating      *aggregateResponse `json:"rating"`
	CreatedAt   time.Time          `json:"createdAt"`
}

type aggregateResponse struct {
	AverageRating float64          `json:"averageRating"`
	TotalRatings  int64            `json:"totalRatings"`
	RatingCount   map[string]int64 `json:"ratingCount"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if !s.verifyBearer(r.Header.Get("Authorization")) {
		s.respondUnauthorized(w)
		return
	}

	var req userCreateRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", validationMessage(err))
		return
	}

	user, err := s.directory.CreateUser(r.Context(), repository.UserCreateParams{
		ID:          req.ID,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			s.respondError(w, http.StatusConflict, "ALREADY_EXISTS", "User already exists")
			return
		}
		s.logger.Error("Failed to create user", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create user")
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/users/%s", url.PathEscape(user.ID)))
	s.respondJSON(w, http.StatusCreated, toUserResponse(user))
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	filters, err := buildUserFilters(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	result, err := s.directory.ListUsers(r.Context(), filters)
	if err != nil {
		s.logger.Error("Failed to list users", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list users")
		return
	}

	items := make([]userResponse, 0, len(result.Items))
	for _, user := range result.Items {
		items = append(items, toUserResponse(user))
	}
	s.respondJSON(w, http.StatusOK, userListResponse{Items: items, NextCursor: result.NextCursor})
}

func buildUserFilters(query url.Values) (repository.UserListFilters, error) {
	var filters repository.UserListFilters

	if val := strings.TrimSpace(query.Get("minAverage")); val != "" {
		minAverage, err := strconv.ParseFloat(val, 64)
		if err != nil || math.IsNaN(minAverage) || minAverage < 0 || minAverage > domain.MaxStars {
			return filters, fmt.Errorf("invalid minAverage value")
		}
		filters.MinAverage = &minAverage
	}
	limit, cursor, err := parsePage(query)
	if err != nil {
		return filters, err
	}
	filters.Limit = limit
	filters.Cursor = cursor
	return filters, nil
}

func parsePage(query url.Values) (int, *repository.Cursor, error) {
	var (
		limit  int
		cursor *repository.Cursor
	)
	if val := strings.TrimSpace(query.Get("limit")); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid limit value")
		}
		limit = n
	}
	if val := strings.TrimSpace(query.Get("cursor")); val != "" {
		c, err := repository.DecodeCursor(val)
		if err != nil {
			return 0, nil, fmt.Errorf("invalid cursor")
		}
		cursor = c
	}
	return limit, cursor, nil
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID, err := decodeUserParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	user, err := s.directory.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
			return
		}
		s.logger.Error("Failed to fetch user", zap.String(logging.FieldUserID, userID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch user")
		return
	}
	s.respondJSON(w, http.StatusOK, toUserResponse(user))
}

func toUserResponse(user domain.User) userResponse {
	return userResponse{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Rating:      toAggregateResponse(user.Aggregate),
		CreatedAt:   user.CreatedAt,
	}
}

func toAggregateResponse(agg *domain.RatingAggregate) *aggregateResponse {
	if agg == nil {
		return nil
	}
	counts := make(map[string]int64, domain.MaxStars)
	for star := domain.MinStars; star <= domain.MaxStars; star++ {
		counts[strconv.Itoa(star)] = agg.RatingCount[star]
	}
	return &aggregateResponse{
		AverageRating: agg.AverageRating,
		TotalRatings:  agg.TotalRatings,
		RatingCount:   counts,
	}
}
