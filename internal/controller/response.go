package controller

import (
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "reflect"
    "strings"
    "sync"

    "github.com/go-playground/validator/v10"
    "go.uber.org/zap"

    appErrors "github.com/unclebandit/campaign-dispatch/internal/errors"
    "github.com/unclebandit/campaign-dispatch/internal/logger"
)

var (
    validate     *validator.Validate
    validateOnce sync.Once
)

// Validator returns the shared validator. Field names in errors follow the json tags.
func Validator() *validator.Validate {
    validateOnce.Do(func() {
        validate = validator.New(validator.WithRequiredStructEnabled())
        validate.RegisterTagNameFunc(func(f reflect.StructField) string {
            name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
            if name == "-" {
                return ""
            }
            return name
        })
    })
    return validate
}

// ValidateRequest runs struct validation and reports the first failure as a ValidationError.
func ValidateRequest(req any) error {
    err := Validator().Struct(req)
    if err == nil {
        return nil
    }
    var fieldErrs validator.ValidationErrors
    if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
        return appErrors.NewValidation("", err.Error())
    }
    fe := fieldErrs[0]
    return appErrors.NewValidation(fieldPath(fe), describe(fe))
}

// fieldPath drops the top-level struct name: "createCampaignRequest.targetAudience.tags" -> "targetAudience.tags".
func fieldPath(fe validator.FieldError) string {
    ns := fe.Namespace()
    if i := strings.IndexByte(ns, '.'); i >= 0 {
        return ns[i+1:]
    }
    return fe.Field()
}

func describe(fe validator.FieldError) string {
    switch fe.Tag() {
    case "required":
        return "is required"
    case "oneof":
        return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
    case "min":
        return "must be at least " + fe.Param()
    case "max":
        return "must be at most " + fe.Param()
    }
    return "failed " + fe.Tag() + " validation"
}

// WriteJSON writes v with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(status)
    _ = json.NewEncoder(w).Encode(v)
}

// StatusFor maps an error to its HTTP status code.
func StatusFor(err error) int {
    switch {
    case errors.Is(err, appErrors.ErrValidation):
        return http.StatusBadRequest
    case errors.Is(err, appErrors.ErrNotFound):
        return http.StatusNotFound
    case errors.Is(err, appErrors.ErrConflict):
        return http.StatusConflict
    case errors.Is(err, appErrors.ErrUnavailable):
        return http.StatusServiceUnavailable
    }
    return http.StatusInternalServerError
}

// WriteError renders err as {"error": "..."}. Server-side failures are logged
// and their details kept out of the response.
func WriteError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
    status := StatusFor(err)
    msg := err.Error()
    if status >= http.StatusInternalServerError {
        if log != nil {
            log.WithContext(r.Context()).Error("request failed",
                zap.String("method", r.Method),
                zap.String("path", r.URL.Path),
                zap.Int("status", status),
                zap.Error(err),
            )
        }
        msg = http.StatusText(status)
    }
    WriteJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads an optional JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
    if r.Body == nil || r.ContentLength == 0 {
        return nil
    }
    if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
        if errors.Is(err, io.EOF) {
            return nil
        }
        return appErrors.NewValidation("", "invalid request body: "+err.Error())
    }
    return nil
}
