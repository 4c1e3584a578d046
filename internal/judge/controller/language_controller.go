package controller

import (
	"codehakam/internal/judge/model"
	"codehakam/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// LanguageController serves the compiled-in language catalog.
type LanguageController struct{}

// NewLanguageController creates a new controller.
func NewLanguageController() *LanguageController {
	return &LanguageController{}
}

// List returns the catalog in stable order.
func (h *LanguageController) List(c *gin.Context) {
	response.Success(c, model.Languages())
}

// Get returns one catalog entry.
func (h *LanguageController) Get(c *gin.Context) {
	lang, ok := model.LanguageByCode(c.Param("code"))
	if !ok {
		response.NotFound(c, "Language not found")
		return
	}
	response.Success(c, lang)
}
