package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 13000-13999: Submission & Judge module errors
// 16000-16999: Auth & Permission errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	InternalServerError ErrorCode = 10001
	InvalidParams       ErrorCode = 10002
	NotFound            ErrorCode = 10003
	Unauthorized        ErrorCode = 10004
	Forbidden           ErrorCode = 10005
	TooManyRequests     ErrorCode = 10006
	ServiceUnavailable  ErrorCode = 10007
	Timeout             ErrorCode = 10008

	// Database errors (10100-10199)
	DatabaseError       ErrorCode = 10100
	RecordNotFound      ErrorCode = 10101
	RecordAlreadyExists ErrorCode = 10102
	TransactionFailed   ErrorCode = 10103

	// Cache errors (10200-10299)
	CacheError     ErrorCode = 10200
	CacheMiss      ErrorCode = 10201
	CacheSetFailed ErrorCode = 10202
	LockFailed     ErrorCode = 10203

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	InvalidFormat      ErrorCode = 10301
	InvalidValue       ErrorCode = 10302
	RequiredFieldEmpty ErrorCode = 10303

	// Object storage errors (10400-10499)
	StorageError       ErrorCode = 10400
	ObjectNotFound     ErrorCode = 10401
	ObjectTooLarge     ErrorCode = 10402
	StorageUnavailable ErrorCode = 10403

	// Message queue errors (10500-10599)
	QueueError       ErrorCode = 10500
	QueuePublishFail ErrorCode = 10501
	QueueUnavailable ErrorCode = 10502

	// ========== Submission & Judge Module Errors (13000-13999) ==========

	// Submission (13000-13099)
	SubmissionNotFound     ErrorCode = 13000
	SubmissionCreateFailed ErrorCode = 13001
	CodeTooLarge           ErrorCode = 13002
	LanguageNotSupported   ErrorCode = 13003
	SubmitTooFrequently    ErrorCode = 13004
	CodeRejected           ErrorCode = 13005
	SubmissionNotPending   ErrorCode = 13006

	// Judge (13100-13199)
	JudgeQueueFull      ErrorCode = 13100
	JudgeSystemError    ErrorCode = 13101
	CompilationError    ErrorCode = 13102
	RuntimeError        ErrorCode = 13103
	TimeLimitExceeded   ErrorCode = 13104
	MemoryLimitExceeded ErrorCode = 13105
	OutputLimitExceeded ErrorCode = 13106
	SandboxError        ErrorCode = 13107
	BoxPoolExhausted    ErrorCode = 13108
	TestDataNotFound    ErrorCode = 13109

	// Worker pool (13200-13299)
	InvalidWorkerCount ErrorCode = 13200
	PoolDraining       ErrorCode = 13201

	// ========== Auth & Permission Errors (16000-16999) ==========

	// Permission (16000-16099)
	PermissionDenied       ErrorCode = 16000
	InsufficientPermission ErrorCode = 16001
	TokenExpired           ErrorCode = 16002
	TokenInvalid           ErrorCode = 16003
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:             "Success",
	InternalServerError: "Internal server error",
	InvalidParams:       "Invalid parameters",
	NotFound:            "Resource not found",
	Unauthorized:        "Unauthorized access",
	Forbidden:           "Access forbidden",
	TooManyRequests:     "Too many requests, please try again later",
	ServiceUnavailable:  "Service temporarily unavailable",
	Timeout:             "Request timeout",

	// Database
	DatabaseError:       "Database operation failed",
	RecordNotFound:      "Record not found in database",
	RecordAlreadyExists: "Record already exists",
	TransactionFailed:   "Database transaction failed",

	// Cache
	CacheError:     "Cache operation failed",
	CacheMiss:      "Cache miss",
	CacheSetFailed: "Failed to set cache",
	LockFailed:     "Failed to acquire lock",

	// Validation
	ValidationFailed:   "Validation failed",
	InvalidFormat:      "Invalid format",
	InvalidValue:       "Invalid value",
	RequiredFieldEmpty: "Required field is empty",

	// Object storage
	StorageError:       "Object storage operation failed",
	ObjectNotFound:     "Object not found in storage",
	ObjectTooLarge:     "Object exceeds the size limit",
	StorageUnavailable: "Object storage temporarily unavailable",

	// Message queue
	QueueError:       "Message queue operation failed",
	QueuePublishFail: "Failed to publish message",
	QueueUnavailable: "Message queue temporarily unavailable",

	// Submission
	SubmissionNotFound:     "Submission not found",
	SubmissionCreateFailed: "Failed to create submission",
	CodeTooLarge:           "Code is too large",
	LanguageNotSupported:   "Programming language not supported",
	SubmitTooFrequently:    "Submitting too frequently, please wait",
	CodeRejected:           "Code rejected",
	SubmissionNotPending:   "Submission is not pending",

	// Judge
	JudgeQueueFull:      "Judge queue is full, please try again later",
	JudgeSystemError:    "Judge system error",
	CompilationError:    "Compilation error",
	RuntimeError:        "Runtime error",
	TimeLimitExceeded:   "Time limit exceeded",
	MemoryLimitExceeded: "Memory limit exceeded",
	OutputLimitExceeded: "Output limit exceeded",
	SandboxError:        "Sandbox execution failed",
	BoxPoolExhausted:    "No sandbox box available",
	TestDataNotFound:    "Test data not found",

	// Worker pool
	InvalidWorkerCount: "Worker count out of range",
	PoolDraining:       "Worker pool is draining",

	// Permission
	PermissionDenied:       "Permission denied",
	InsufficientPermission: "Insufficient permission",
	TokenExpired:           "Token has expired",
	TokenInvalid:           "Invalid token",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// HTTPStatus returns the recommended HTTP status code for the error code
func (c ErrorCode) HTTPStatus() int {
	switch {
	case c == Success:
		return 200
	case c == Unauthorized, c == TokenExpired, c == TokenInvalid:
		return 401
	case c == Forbidden, c >= 16000 && c < 16100:
		return 403
	case c == NotFound, c == SubmissionNotFound, c == ObjectNotFound, c == RecordNotFound:
		return 404
	case c == TooManyRequests, c == SubmitTooFrequently:
		return 429
	case c == CodeRejected:
		return 422
	case c == RecordAlreadyExists, c == SubmissionNotPending:
		return 409
	case c == ServiceUnavailable, c == JudgeQueueFull, c == QueueUnavailable, c == StorageUnavailable:
		return 503
	case c >= 10300 && c < 10400:
		return 400
	case c == InvalidParams, c == CodeTooLarge, c == LanguageNotSupported, c == InvalidWorkerCount:
		return 400
	default:
		return 500
	}
}
