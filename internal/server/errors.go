package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// AppError es el error estándar de la API de operación.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Err }

// WithDetail devuelve una copia con detalle.
func (e *AppError) WithDetail(detail string) *AppError {
	n := *e
	n.Detail = detail
	return &n
}

// WithCause devuelve una copia con la causa original (no se expone al cliente).
func (e *AppError) WithCause(err error) *AppError {
	n := *e
	n.Err = err
	return &n
}

var (
	ErrInvalidJSON        = &AppError{Code: "INVALID_JSON", Message: "El cuerpo de la solicitud no es un JSON válido.", HTTPStatus: http.StatusBadRequest}
	ErrBadRequest         = &AppError{Code: "BAD_REQUEST", Message: "La solicitud contiene parámetros inválidos o faltantes.", HTTPStatus: http.StatusBadRequest}
	ErrUnauthorized       = &AppError{Code: "UNAUTHORIZED", Message: "Falta o es inválida la API key de administración.", HTTPStatus: http.StatusUnauthorized}
	ErrNotFound           = &AppError{Code: "NOT_FOUND", Message: "El recurso solicitado no existe.", HTTPStatus: http.StatusNotFound}
	ErrBodyTooLarge       = &AppError{Code: "BODY_TOO_LARGE", Message: "El cuerpo de la solicitud excede el tamaño máximo permitido.", HTTPStatus: http.StatusRequestEntityTooLarge}
	ErrServiceUnavailable = &AppError{Code: "SERVICE_UNAVAILABLE", Message: "El servicio no está disponible.", HTTPStatus: http.StatusServiceUnavailable}
	ErrInternal           = &AppError{Code: "INTERNAL_SERVER_ERROR", Message: "Ocurrió un error inesperado.", HTTPStatus: http.StatusInternalServerError}
)

// FromError convierte cualquier error en AppError; los desconocidos son 500.
func FromError(err error) *AppError {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae
	}
	return ErrInternal.WithCause(err)
}

type errorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// WriteError serializa err como {code, message, detail}.
func WriteError(w http.ResponseWriter, err error) {
	ae := FromError(err)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(ae.HTTPStatus)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Code:      ae.Code,
		Message:   ae.Message,
		Detail:    ae.Detail,
		RequestID: w.Header().Get("X-Request-ID"),
	})
}

// WriteJSON: respuesta JSON estándar
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
