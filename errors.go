package rxbind

import (
	"errors"

	"github.com/nickyhof/rxbind/api"
)

// Local errors, raised before the engine is contacted
var (
	ErrNotInitialized     = errors.New("Connection is not initialized")
	ErrQueryClosed        = errors.New("Query is not initialized")
	ErrResultsReleased    = errors.New("Query results are released")
	ErrTransactionOver    = errors.New("Transaction is over")
	ErrJoinedDelete       = errors.New("Delete does not support joined queries")
	ErrJoinedUpdate       = errors.New("Update does not support joined queries")
	ErrAlreadyJoined      = errors.New("Query.join call on already joined query. You should create new Query")
	ErrOnRootQuery        = errors.New("Can't join on root query")
	ErrUseDWithin         = errors.New("In this case, use a special method 'dwithin'")
	ErrValuesRequired     = errors.New("A required parameter is not specified. `values` can't be None")
	ErrFetchAmount        = errors.New("'fetch_amount' must be greater than zero")
	ErrUnknownProtocol    = errors.New("Unknown Reindexer connection protocol")
	ErrUnsupportedDumpURL = errors.New("unsupported dump location")
)

// APIError is an error reported by the engine or raised locally by the
// binding. Message is the engine text, passed through unmodified.
type APIError struct {
	Code    api.ErrorCode
	Message string
	cause   error
}

func (e *APIError) Error() string {
	return e.Message
}

// Unwrap returns the engine error or the local sentinel
func (e *APIError) Unwrap() error {
	return e.cause
}

// QueryError is raised by query builder and terminal calls
type QueryError struct {
	*APIError
}

func (e *QueryError) Unwrap() error {
	return e.APIError
}

// QueryResultsError is raised while reading query results
type QueryResultsError struct {
	*QueryError
}

func (e *QueryResultsError) Unwrap() error {
	return e.QueryError
}

// TransactionError is raised by transaction calls
type TransactionError struct {
	*APIError
}

func (e *TransactionError) Unwrap() error {
	return e.APIError
}

// apiError converts an engine error. nil stays nil.
func apiError(err error) *APIError {
	if err == nil {
		return nil
	}
	var existing *APIError
	if errors.As(err, &existing) {
		return existing
	}
	return &APIError{Code: api.CodeOf(err), Message: err.Error(), cause: err}
}

// localError builds an error around a sentinel
func localError(sentinel error) *APIError {
	return &APIError{Code: api.ErrLogic, Message: sentinel.Error(), cause: sentinel}
}

func queryError(err error) error {
	if err == nil {
		return nil
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return qe
	}
	return &QueryError{apiError(err)}
}

func resultsError(err error) error {
	if err == nil {
		return nil
	}
	var re *QueryResultsError
	if errors.As(err, &re) {
		return re
	}
	return &QueryResultsError{&QueryError{apiError(err)}}
}

func transactionError(err error) error {
	if err == nil {
		return nil
	}
	var te *TransactionError
	if errors.As(err, &te) {
		return te
	}
	return &TransactionError{apiError(err)}
}

// connError wraps a connector level failure; nil stays nil
func connError(err error) error {
	if err == nil {
		return nil
	}
	return apiError(err)
}
