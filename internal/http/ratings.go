package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Clark-Hu/marketplace-ratings/internal/domain"
	"github.com/Clark-Hu/marketplace-ratings/internal/identity"
	"github.com/Clark-Hu/marketplace-ratings/internal/logging"
	"github.com/Clark-Hu/marketplace-ratings/internal/rating"
	"github.com/Clark-Hu/marketplace-ratings/internal/repository"
)

type ratingRequest struct {
	Rating          *int    `json:"rating" validate:"required"`
	Review          *string `json:"review" validate:"omitempty,max=500"`
	ItemID          *string `json:"itemId" validate:"omitempty,max=128"`
	TransactionType string  `json:"transactionType" validate:"omitempty,oneof=rental general"`
}

type submitResponse struct {
	Success bool               `json:"success"`
	Message string             `json:"message"`
	Rating  *aggregateResponse `json:"rating,omitempty"`
}

type hasRatedResponse struct {
	Rated bool `json:"rated"`
}

type reviewResponse struct {
	ID              string                 `json:"id"`
	RaterUserID     string                 `json:"raterUserId"`
	Rating          int                    `json:"rating"`
	Review          *string                `json:"review,omitempty"`
	ItemID          *string                `json:"itemId,omitempty"`
	TransactionType domain.TransactionType `json:"transactionType"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
}

type reviewListResponse struct {
	Items      []reviewResponse `json:"items"`
	NextCursor *string          `json:"nextCursor,omitempty"`
}

func (s *Server) handleSubmitRating(w http.ResponseWriter, r *http.Request) {
	ratedID, err := decodeUserParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	raterID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if s.limiter.Limit(raterID) {
		s.respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many ratings, try again later")
		return
	}

	var req ratingRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.respondDecodeError(w, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondJSON(w, http.StatusUnprocessableEntity, submitResponse{Message: validationMessage(err)})
		return
	}

	result := s.ratings.SubmitRating(r.Context(), rating.SubmitParams{
		RaterUserID:     raterID,
		RatedUserID:     ratedID,
		Value:           *req.Rating,
		Review:          normalizeStringPtr(req.Review),
		ItemID:          normalizeStringPtr(req.ItemID),
		TransactionType: domain.TransactionType(req.TransactionType),
	})

	resp := submitResponse{Success: result.Success, Message: result.Message}
	switch {
	case result.Success:
		resp.Rating = toAggregateResponse(result.Aggregate)
		status := http.StatusOK
		if result.Created {
			status = http.StatusCreated
		}
		s.respondJSON(w, status, resp)
	case errors.Is(result.Err, rating.ErrValidation):
		s.respondJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.Is(result.Err, rating.ErrUserNotFound):
		s.respondJSON(w, http.StatusNotFound, resp)
	default:
		s.respondJSON(w, http.StatusInternalServerError, resp)
	}
}

func (s *Server) handleGetRating(w http.ResponseWriter, r *http.Request) {
	userID, err := decodeUserParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	agg, err := s.ratings.FetchUserRating(r.Context(), userID)
	if err != nil {
		if errors.Is(err, rating.ErrUserNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
			return
		}
		s.logger.Error("Failed to fetch rating", zap.String(logging.FieldUserID, userID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to fetch rating")
		return
	}
	if agg == nil {
		s.respondError(w, http.StatusNotFound, "NOT_RATED", "User has not been rated yet")
		return
	}
	s.respondJSON(w, http.StatusOK, toAggregateResponse(agg))
}

func (s *Server) handleListRatings(w http.ResponseWriter, r *http.Request) {
	userID, err := decodeUserParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	limit, cursor, err := parsePage(r.URL.Query())
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	if _, err := s.directory.GetUser(r.Context(), userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "NOT_FOUND", "User not found")
			return
		}
		s.logger.Error("Failed to fetch user", zap.String(logging.FieldUserID, userID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list ratings")
		return
	}

	result, err := s.directory.ListRatings(r.Context(), repository.RatingListFilters{
		RatedUserID: userID,
		Limit:       limit,
		Cursor:      cursor,
	})
	if err != nil {
		s.logger.Error("Failed to list ratings", zap.String(logging.FieldUserID, userID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list ratings")
		return
	}

	items := make([]reviewResponse, 0, len(result.Items))
	for _, rt := range result.Items {
		items = append(items, toReviewResponse(rt))
	}
	s.respondJSON(w, http.StatusOK, reviewListResponse{Items: items, NextCursor: result.NextCursor})
}

func (s *Server) handleHasRated(w http.ResponseWriter, r *http.Request) {
	ratedID, err := decodeUserParam(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	raterID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	rated, err := s.ratings.HasRated(r.Context(), raterID, ratedID)
	if err != nil {
		s.logger.Error("Failed to check rating",
			zap.String(logging.FieldRaterID, raterID),
			zap.String(logging.FieldUserID, ratedID),
			zap.Error(err),
		)
		s.respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to check rating")
		return
	}
	s.respondJSON(w, http.StatusOK, hasRatedResponse{Rated: rated})
}

// authenticate resolves the caller's user id, writing the error response itself
// when it cannot.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		s.respondUnauthorized(w)
		return "", false
	}

	timeout := time.Duration(s.cfg.IdentityTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	userID, err := s.identity.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			s.respondUnauthorized(w)
			return "", false
		}
		s.logger.Warn("Identity lookup failed", zap.Error(err))
		s.respondError(w, http.StatusServiceUnavailable, "IDENTITY_UNAVAILABLE", "Unable to verify identity")
		return "", false
	}
	return userID, true
}

func toReviewResponse(r domain.Rating) reviewResponse {
	return reviewResponse{
		ID:              r.ID,
		RaterUserID:     r.RaterUserID,
		Rating:          r.Value,
		Review:          r.Review,
		ItemID:          r.ItemID,
		TransactionType: r.TransactionType,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}
