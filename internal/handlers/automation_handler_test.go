package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"flowcrm/internal/models"
	"flowcrm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newAutomationTestRouter(t *testing.T) (*gin.Engine, *gorm.DB) {
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.AutomationRule{}, &models.RuleExecution{}, &models.ExecutionDedup{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logger := logrus.New()
	rules := services.NewRuleService(db, logger)
	executions := services.NewExecutionService(db, logger)

	r := gin.New()
	api := r.Group("/api/v1")
	RegisterAutomationRoutes(api, NewAutomationHandler(rules, executions))
	return r, db
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAutomationHandler_RuleCRUD(t *testing.T) {
	r, _ := newAutomationTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/automation/rules", gin.H{
		"name":          "tag hot leads",
		"trigger_type":  "lead_score_changed",
		"trigger_config": gin.H{"thresholdAbove": 70},
		"action_type":   "add_tag",
		"action_config": gin.H{"tagId": 3},
		"priority":      10,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	var created models.AutomationRule
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("failed to decode created rule: %v", err)
	}
	if created.Priority != 10 || !created.Active {
		t.Fatalf("unexpected created rule: %+v", created)
	}

	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/v1/automation/rules/%d", created.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/v1/automation/rules/%d/deactivate", created.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("deactivate: expected 200, got %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, "/api/v1/automation/rules?active=false", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	var listed struct {
		Rules []models.AutomationRule `json:"rules"`
		Total int64                   `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if listed.Total != 1 || len(listed.Rules) != 1 {
		t.Fatalf("expected one inactive rule, got %+v", listed)
	}

	w = doJSON(t, r, http.MethodDelete, fmt.Sprintf("/api/v1/automation/rules/%d", created.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	w = doJSON(t, r, http.MethodGet, fmt.Sprintf("/api/v1/automation/rules/%d", created.ID), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", w.Code)
	}
}

func TestAutomationHandler_CreateRuleRejectsUnknownTypes(t *testing.T) {
	r, _ := newAutomationTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/api/v1/automation/rules", gin.H{
		"name":         "bad",
		"trigger_type": "comet_sighted",
		"action_type":  "create_task",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown trigger, got %d", w.Code)
	}

	w = doJSON(t, r, http.MethodPost, "/api/v1/automation/rules", gin.H{
		"trigger_type": "tag_added",
		"action_type":  "create_task",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", w.Code)
	}
}

func TestAutomationHandler_ExecutionsAndStats(t *testing.T) {
	r, db := newAutomationTestRouter(t)

	rows := []models.RuleExecution{
		{RuleID: 1, Status: models.ExecutionStatusCompleted},
		{RuleID: 1, Status: models.ExecutionStatusSkipped},
		{RuleID: 2, Status: models.ExecutionStatusFailed},
	}
	for i := range rows {
		if err := db.Create(&rows[i]).Error; err != nil {
			t.Fatalf("failed to insert execution: %v", err)
		}
	}

	w := doJSON(t, r, http.MethodGet, "/api/v1/automation/executions?rule_id=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("executions: expected 200, got %d", w.Code)
	}
	var listed struct {
		Executions []models.RuleExecution `json:"executions"`
		Total      int64                  `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &listed); err != nil {
		t.Fatalf("failed to decode executions: %v", err)
	}
	if listed.Total != 2 {
		t.Fatalf("expected 2 executions for rule 1, got %d", listed.Total)
	}

	w = doJSON(t, r, http.MethodGet, "/api/v1/automation/stats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("stats: expected 200, got %d", w.Code)
	}
	var stats struct {
		ByStatus map[string]int64 `json:"executions_by_status"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if stats.ByStatus[models.ExecutionStatusCompleted] != 1 || stats.ByStatus[models.ExecutionStatusFailed] != 1 {
		t.Fatalf("unexpected stats: %+v", stats.ByStatus)
	}
}
