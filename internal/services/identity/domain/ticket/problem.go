package ticket

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	apperrors "github.com/louisbranch/identity.space/internal/platform/errors"
)

// MaxCauseDepth bounds the nested cause chain kept in problem details.
const MaxCauseDepth = 8

// ProblemDetails is the problem+json shaped failure payload of a ticket.
type ProblemDetails struct {
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Status    int               `json:"status"`
	Detail    string            `json:"detail,omitempty"`
	Instance  string            `json:"instance,omitempty"`
	Code      string            `json:"code,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Exception *ExceptionDetail  `json:"exception,omitempty"`
}

// ExceptionDetail is a serializable snapshot of one error in a cause chain.
type ExceptionDetail struct {
	ExceptionType  string           `json:"exception_type"`
	Message        string           `json:"message"`
	StackTrace     string           `json:"stack_trace,omitempty"`
	InnerException *ExceptionDetail `json:"inner_exception,omitempty"`
}

// Typed lets an error name itself in problem details.
type Typed interface {
	ErrorType() string
}

// ProblemFromError converts err into problem details. stack is attached to
// the outermost exception.
func ProblemFromError(err error, instance string, stack string) *ProblemDetails {
	if err == nil {
		return nil
	}
	code := apperrors.GetCode(err)
	kind := apperrors.KindOf(err)
	if kind == apperrors.KindUnknown {
		kind = apperrors.KindOrchestration
	}
	problem := &ProblemDetails{
		Type:      apperrors.Domain + "/problems/" + strings.ToLower(string(kind)),
		Title:     code.Title(),
		Status:    kind.HTTPStatus(),
		Detail:    err.Error(),
		Instance:  instance,
		Exception: exceptionChain(err, 0),
	}
	if code != apperrors.CodeUnknown {
		problem.Code = string(code)
	}
	var domainErr *apperrors.Error
	if errors.As(err, &domainErr) && len(domainErr.Metadata) > 0 {
		problem.Metadata = domainErr.Metadata
	}
	if problem.Exception != nil {
		problem.Exception.StackTrace = stack
	}
	return problem
}

// ProblemFromPanic converts a recovered panic value.
func ProblemFromPanic(recovered any, instance string, stack string) *ProblemDetails {
	err, ok := recovered.(error)
	if !ok {
		err = fmt.Errorf("%v", recovered)
	}
	wrapped := apperrors.Wrap(apperrors.CodeHandlerPanicked, "handler panicked", err)
	return ProblemFromError(wrapped, instance, stack)
}

func exceptionChain(err error, depth int) *ExceptionDetail {
	if err == nil || depth >= MaxCauseDepth {
		return nil
	}
	return &ExceptionDetail{
		ExceptionType:  ExceptionType(err),
		Message:        err.Error(),
		InnerException: exceptionChain(errors.Unwrap(err), depth+1),
	}
}

// ExceptionType names err: an ErrorType() method wins, then the domain error
// kind, then the concrete Go type name without package or pointer.
func ExceptionType(err error) string {
	if typed, ok := err.(Typed); ok {
		if name := strings.TrimSpace(typed.ErrorType()); name != "" {
			return name
		}
	}
	if domainErr, ok := err.(*apperrors.Error); ok {
		return string(domainErr.Kind())
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if name := t.Name(); name != "" {
		return name
	}
	return t.String()
}
