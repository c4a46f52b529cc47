package conversation

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"github.com/prolinkhq/prolink-server/cmd/models"
	"github.com/prolinkhq/prolink-server/cmd/utils"
)

type Handler struct {
	db       *gorm.DB
	validate *validator.Validate
}

func NewHandler(db *gorm.DB) *Handler {
	return &Handler{db: db, validate: validator.New()}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/conversations", utils.AuthMiddleware(h.CreateConversation)).Methods("POST")
	router.HandleFunc("/conversations/{id}/messages", utils.AuthMiddleware(h.GetMessages)).Methods("GET")
}

type createConversationRequest struct {
	ClientID uint `json:"client_id" validate:"required"`
}

func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var caller models.User
	if err := h.db.First(&caller, callerID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "User not found")
		return
	}
	if !caller.IsPro() {
		utils.RespondError(w, http.StatusForbidden, "Only professionals can open conversations")
		return
	}

	var client models.User
	if err := h.db.First(&client, req.ClientID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Client not found")
		return
	}

	// Reuse an existing conversation between the same pair.
	var conversation models.Conversation
	err = h.db.Where("pro_id = ? AND client_id = ?", callerID, req.ClientID).First(&conversation).Error
	if err == nil {
		utils.RespondJSON(w, http.StatusOK, conversation)
		return
	}
	if err != gorm.ErrRecordNotFound {
		utils.RespondError(w, http.StatusInternalServerError, "Database error")
		return
	}

	conversation = models.Conversation{ProID: callerID, ClientID: req.ClientID}
	if err := h.db.Create(&conversation).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error creating conversation")
		return
	}

	utils.RespondJSON(w, http.StatusCreated, conversation)
}

func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	callerID, err := utils.GetUserIDFromContext(r)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	vars := mux.Vars(r)
	conversationID, err := strconv.ParseUint(vars["id"], 10, 64)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, "Invalid conversation ID")
		return
	}

	var conversation models.Conversation
	if err := h.db.First(&conversation, conversationID).Error; err != nil {
		utils.RespondError(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if conversation.ProID != callerID && conversation.ClientID != callerID {
		utils.RespondError(w, http.StatusForbidden, "Not a participant in this conversation")
		return
	}

	page, perPage := utils.ParsePaginationParams(r)

	var total int64
	if err := h.db.Model(&models.Message{}).Where("conversation_id = ?", conversationID).Count(&total).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Database error")
		return
	}

	var messages []models.Message
	if err := h.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Offset((page - 1) * perPage).
		Limit(perPage).
		Find(&messages).Error; err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "Error fetching messages")
		return
	}

	utils.RespondJSON(w, http.StatusOK, map[string]interface{}{
		"messages":   messages,
		"pagination": utils.NewPaginationMeta(page, perPage, total),
	})
}
