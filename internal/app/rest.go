package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MrWong99/echojourney/internal/ledger"
	"github.com/MrWong99/echojourney/internal/review"
)

// Tutor cards shown on the client's home screen.
const (
	talkTutor       = "瓜瓜"
	talkDescription = "今天有什么想聊的话题？"
	talkScene       = "talk"

	challengeTutor = "斗斗"
	challengeScene = "exercises"
)

// card is one tutor card of GET /titles.
type card struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Scene       string `json:"scene"`

	// Update marks a description generated from a new mistake.
	Update bool `json:"update"`
}

type mistakesResponse struct {
	DeviceID string `json:"deviceId"`
	ledger.Book
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleTitles handles GET /titles?deviceId=. The challenge card carries a
// title generated from the student's latest mistake once per new mistake.
func (a *App) handleTitles(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("deviceId")
	title, err := a.reviewer.Title(r.Context(), user)
	if err != nil {
		a.writeError(w, r, "titles", err)
		return
	}
	writeJSON(w, http.StatusOK, []card{
		{Name: talkTutor, Description: talkDescription, Scene: talkScene},
		{
			Name:        challengeTutor,
			Description: title,
			Scene:       challengeScene,
			Update:      title != review.DefaultTitle && title != review.PracticeFirstTitle,
		},
	})
}

// handleMistakes handles GET /mistakes?deviceId=.
func (a *App) handleMistakes(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("deviceId")
	rep, err := a.ledger.Report(r.Context(), user)
	if err != nil {
		a.writeError(w, r, "mistakes", err)
		return
	}
	writeJSON(w, http.StatusOK, mistakesResponse{DeviceID: user, Book: rep.MistakeBook()})
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	if errors.Is(err, ledger.ErrInvalidUser) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "deviceId is missing or invalid"})
		return
	}
	slog.Error("request failed", "endpoint", endpoint, "device_id", r.URL.Query().Get("deviceId"), "err", err)
	writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}
