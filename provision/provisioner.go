package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Octogonapus/RDSBenchmark/variant"
	"github.com/aws/smithy-go"
)

// A handle to one provisioned database instance. Endpoint and Port are filled
// in by AwaitReady once the instance reports available.
type InstanceHandle struct {
	InstanceID     string
	ParameterGroup string
	VariantName    string
	Endpoint       string
	Port           int32
}

// Stands up and destroys managed database instances (e.g. AWS RDS).
type Provisioner interface {
	// Create any shared resources needed before Provision can be called.
	SetUp(ctx context.Context) error

	// Destroy any resources created by SetUp.
	TearDown(ctx context.Context) error

	// Request creation of a new instance configured with the variant's parameters.
	Provision(ctx context.Context, v *variant.Variant) (*InstanceHandle, error)

	// Block until the instance reports available, polling at the given interval.
	// Fills in the handle's endpoint. Returns a TimeoutError if the deadline
	// elapses first, or a ProvisionError if the instance enters a failed state.
	AwaitReady(ctx context.Context, handle *InstanceHandle, timeout, interval time.Duration) error

	// Request deletion of the instance. Best-effort: an instance that is already
	// gone is not an error, failures are logged and swallowed.
	Destroy(ctx context.Context, handle *InstanceHandle)
}

// The infrastructure rejected an instance or parameter group operation, or the
// instance entered a failed state.
type ProvisionError struct {
	Op  string
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision: %s: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error {
	return e.Err
}

// The instance did not report available before the deadline.
type TimeoutError struct {
	InstanceID string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("instance %s was not available after %s", e.InstanceID, e.Timeout)
}

var fatalErrorCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"AuthFailure":                 true,
	"ExpiredToken":                true,
	"InvalidClientTokenId":        true,
	"SignatureDoesNotMatch":       true,
	"UnauthorizedOperation":       true,
	"UnrecognizedClientException": true,
}

// Reports whether the error means the cloud API itself is unusable (bad or
// expired credentials), in which case no further variant can succeed either.
func IsFatal(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fatalErrorCodes[apiErr.ErrorCode()]
	}
	return false
}
