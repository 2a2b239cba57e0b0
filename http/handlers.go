package http

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"tabmodel/db"
	"tabmodel/features"
	"tabmodel/ml"
	"tabmodel/model"
	"tabmodel/monitoring"
)

// Deps 处理器依赖；Store、Hub 可为空
type Deps struct {
	Models *Registry
	Store  *db.Store
	// ForwardEvents 为真时把编码后的事件写入待发送队列
	ForwardEvents bool
	Stats         *monitoring.StatsCollector
	Hub           *monitoring.Hub
	Log           *zap.Logger
}

// Handlers 预测服务的API处理器
type Handlers struct {
	Deps
	tracer      trace.Tracer
	predictions metric.Int64Counter
}

// NewHandlers 创建API处理器
func NewHandlers(deps Deps) *Handlers {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Stats == nil {
		deps.Stats = monitoring.NewStatsCollector()
	}
	counter, err := otel.Meter("tabmodel/http").Int64Counter("tabmodel.predictions",
		metric.WithDescription("Number of predictions served"))
	if err != nil {
		deps.Log.Warn("create prediction counter", zap.Error(err))
		counter, _ = noop.NewMeterProvider().Meter("tabmodel/http").Int64Counter("tabmodel.predictions")
	}
	return &Handlers{
		Deps:        deps,
		tracer:      otel.Tracer("tabmodel/http"),
		predictions: counter,
	}
}

// Register 注册所有API路由
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.handleHealth)
	mux.HandleFunc("GET /api/models", h.handleListModels)
	mux.HandleFunc("GET /api/models/{id}", h.handleModel)
	mux.HandleFunc("GET /api/models/{id}/schema", h.handleSchema)
	mux.HandleFunc("POST /api/models/{id}/predict", h.handlePredict)
	mux.HandleFunc("POST /api/models/{id}/true_value", h.handleTrueValue)
	mux.HandleFunc("GET /api/models/{id}/predictions", h.handlePredictions)
	mux.HandleFunc("GET /api/models/{id}/stats", h.handleStats)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]interface{}{"status": "ok", "models": len(h.Models.IDs())})
}

type featureInfo struct {
	Name         string   `json:"name"`
	Kind         string   `json:"kind"`
	Values       []string `json:"values,omitempty"`
	TextEncoding string   `json:"text_encoding,omitempty"`
}

type modelInfo struct {
	ID           string             `json:"id"`
	ArtifactID   string             `json:"artifact_id"`
	Task         string             `json:"task"`
	ClassLabels  []string           `json:"class_labels,omitempty"`
	Predictor    string             `json:"predictor"`
	TargetColumn string             `json:"target_column,omitempty"`
	CreatedAt    *time.Time         `json:"created_at,omitempty"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
	Features     []featureInfo      `json:"features,omitempty"`
	Error        string             `json:"error,omitempty"`
}

func describe(id string, m *model.Model, detail bool) modelInfo {
	md := m.Metadata()
	task := m.Task()
	info := modelInfo{
		ID:           id,
		ArtifactID:   m.ID(),
		Task:         task.Type.String(),
		ClassLabels:  task.ClassLabels,
		Predictor:    m.Predictor().Family().String(),
		TargetColumn: md.TargetColumn,
	}
	if !md.CreatedAt.IsZero() {
		info.CreatedAt = &md.CreatedAt
	}
	if !detail {
		return info
	}
	info.Metrics = md.Metrics
	for _, f := range m.Schema().Features() {
		info.Features = append(info.Features, featureInfo{
			Name:         f.Name,
			Kind:         f.Kind.String(),
			Values:       f.Values,
			TextEncoding: f.TextEncoding,
		})
	}
	return info
}

func (h *Handlers) handleListModels(w http.ResponseWriter, r *http.Request) {
	ids := h.Models.IDs()
	infos := make([]modelInfo, 0, len(ids))
	for _, id := range ids {
		m, err := h.Models.Get(id)
		if err != nil {
			infos = append(infos, modelInfo{ID: id, Error: err.Error()})
			continue
		}
		infos = append(infos, describe(id, m, false))
	}
	respondJSON(w, map[string]interface{}{"models": infos})
}

func (h *Handlers) handleModel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, ok := h.model(w, id)
	if !ok {
		return
	}
	respondJSON(w, describe(id, m, true))
}

func (h *Handlers) handleSchema(w http.ResponseWriter, r *http.Request) {
	m, ok := h.model(w, r.PathValue("id"))
	if !ok {
		return
	}
	respondJSON(w, m.Schema().JSONSchema())
}

type predictRequest struct {
	Identifier string            `json:"identifier"`
	Input      features.Record   `json:"input"`
	Inputs     []features.Record `json:"inputs"`
}

type predictResponse struct {
	Identifier string    `json:"identifier"`
	Output     ml.Output `json:"output"`
}

func (h *Handlers) handlePredict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, span := h.tracer.Start(r.Context(), "predict", trace.WithAttributes(attribute.String("model_id", id)))
	defer span.End()

	m, ok := h.model(w, id)
	if !ok {
		return
	}
	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, err.Error())
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Inputs != nil {
		outputs, err := m.PredictBatch(ctx, req.Inputs, runtime.GOMAXPROCS(0))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		results := make([]predictResponse, len(outputs))
		for i, out := range outputs {
			results[i] = h.track(ctx, id, m, "", req.Inputs[i], out)
		}
		h.predictions.Add(ctx, int64(len(results)), metric.WithAttributes(attribute.String("model_id", id)))
		span.SetAttributes(attribute.Int("records", len(results)))
		respondJSON(w, map[string]interface{}{"predictions": results})
		return
	}

	if req.Input == nil {
		respondError(w, http.StatusBadRequest, "input is required")
		return
	}
	out := m.Predict(req.Input)
	h.predictions.Add(ctx, 1, metric.WithAttributes(attribute.String("model_id", id)))
	respondJSON(w, h.track(ctx, id, m, req.Identifier, req.Input, out))
}

// track 记录统计、保存预测并推送监控事件；失败只记录日志，不影响预测结果
func (h *Handlers) track(ctx context.Context, modelID string, m *model.Model, identifier string, input features.Record, out ml.Output) predictResponse {
	event := monitoring.NewPrediction(modelID, identifier, input, out)
	resp := predictResponse{Identifier: event.Identifier, Output: out}
	h.Stats.Record(modelID, out, m.Encoder().Unknowns(input))

	payload, err := monitoring.Encode(event, m.Task())
	if err != nil {
		h.Log.Error("encode prediction event", zap.String("model_id", modelID), zap.Error(err))
		return resp
	}
	if h.Store != nil {
		inputJSON, _ := json.Marshal(input)
		outputJSON, _ := json.Marshal(out)
		err := h.Store.SavePrediction(ctx, db.Prediction{
			ModelID:    modelID,
			Identifier: event.Identifier,
			Date:       event.Date,
			Input:      inputJSON,
			Output:     outputJSON,
		})
		if err != nil {
			h.Log.Warn("save prediction", zap.String("model_id", modelID), zap.Error(err))
		}
		if h.ForwardEvents {
			if err := h.Store.Enqueue(ctx, payload); err != nil {
				h.Log.Warn("spool prediction event", zap.String("model_id", modelID), zap.Error(err))
			}
		}
	}
	if h.Hub != nil {
		h.Hub.Publish(monitoring.PredictionMessage, modelID, payload)
	}
	return resp
}

type trueValueRequest struct {
	Identifier string         `json:"identifier"`
	TrueValue  features.Value `json:"true_value"`
}

func (h *Handlers) handleTrueValue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()
	m, ok := h.model(w, id)
	if !ok {
		return
	}
	var req trueValueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	event := monitoring.NewTrueValue(id, req.Identifier, req.TrueValue)
	payload, err := monitoring.Encode(event, m.Task())
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, monitoring.ErrInvalidPayload) {
			status = http.StatusBadRequest
		}
		respondError(w, status, err.Error())
		return
	}
	h.Stats.RecordTrueValue(id)

	if h.Store != nil {
		value, _ := json.Marshal(req.TrueValue)
		if err := h.Store.SaveTrueValue(ctx, id, req.Identifier, event.Date, value); err != nil {
			h.Log.Warn("save true value", zap.String("model_id", id), zap.Error(err))
		}
		if h.ForwardEvents {
			if err := h.Store.Enqueue(ctx, payload); err != nil {
				h.Log.Warn("spool true value event", zap.String("model_id", id), zap.Error(err))
			}
		}
	}
	if h.Hub != nil {
		h.Hub.Publish(monitoring.TrueValueMessage, id, payload)
	}
	respondJSON(w, map[string]string{"status": "ok", "identifier": req.Identifier})
}

type predictionRow struct {
	Identifier string          `json:"identifier"`
	Date       time.Time       `json:"date"`
	Input      json.RawMessage `json:"input"`
	Output     json.RawMessage `json:"output"`
	TrueValue  json.RawMessage `json:"true_value,omitempty"`
}

type predictionsPage struct {
	Predictions []predictionRow `json:"predictions"`
	// After 为更新一页的游标，Before 为更旧一页的游标
	After  string `json:"after,omitempty"`
	Before string `json:"before,omitempty"`
}

func (h *Handlers) handlePredictions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.Models.Path(id) == "" {
		respondError(w, http.StatusNotFound, ErrModelNotFound.Error())
		return
	}
	if h.Store == nil {
		respondError(w, http.StatusServiceUnavailable, "prediction storage is disabled")
		return
	}

	var q db.PageQuery
	for name, dst := range map[string]**db.Cursor{"after": &q.After, "before": &q.Before} {
		if s := r.URL.Query().Get(name); s != "" {
			c, err := db.ParseCursor(s)
			if err != nil {
				respondError(w, http.StatusBadRequest, "invalid "+name+" cursor")
				return
			}
			*dst = &c
		}
	}
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 500 {
			q.Limit = l
		}
	}

	page, err := h.Store.ListPredictions(r.Context(), id, q)
	if errors.Is(err, db.ErrBadCursor) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.Log.Error("list predictions", zap.String("model_id", id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "list predictions failed")
		return
	}

	resp := predictionsPage{Predictions: make([]predictionRow, len(page.Predictions))}
	for i, p := range page.Predictions {
		resp.Predictions[i] = predictionRow{
			Identifier: p.Identifier,
			Date:       p.Date,
			Input:      p.Input,
			Output:     p.Output,
			TrueValue:  p.TrueValue,
		}
	}
	if page.Newer {
		resp.After = page.Predictions[0].Cursor().String()
	}
	if page.Older {
		resp.Before = page.Predictions[len(page.Predictions)-1].Cursor().String()
	}
	respondJSON(w, resp)
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.Models.Path(id) == "" {
		respondError(w, http.StatusNotFound, ErrModelNotFound.Error())
		return
	}
	respondJSON(w, h.Stats.Get(id))
}

// model 查找模型并在失败时写入错误响应
func (h *Handlers) model(w http.ResponseWriter, id string) (*model.Model, bool) {
	m, err := h.Models.Get(id)
	switch {
	case errors.Is(err, ErrModelNotFound):
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	case err != nil:
		h.Log.Error("load model", zap.String("model_id", id), zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "model unavailable: "+err.Error())
		return nil, false
	}
	return m, true
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondStatus(w, http.StatusOK, data)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondStatus(w, code, map[string]string{"error": message})
}

func respondStatus(w http.ResponseWriter, code int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		code = http.StatusInternalServerError
		body = []byte(`{"error":"encode response failed"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}
