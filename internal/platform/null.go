package platform

import (
	"context"
	"errors"
)

// ErrSimulated is returned by NullClient for every remote call.
var ErrSimulated = errors.New("platform: simulated mode, no remote platform configured")

// NullClient satisfies Client when no platform is configured. Orchestration
// layers detect it and run the simulated pipeline instead of calling out.
type NullClient struct{}

var _ Client = (*NullClient)(nil)

func (*NullClient) CreateApplication(context.Context, ApplicationSpec) (*Application, error) {
	return nil, ErrSimulated
}

func (*NullClient) DeployApplication(context.Context, string, DeployOptions) (*DeployResult, error) {
	return nil, ErrSimulated
}

func (*NullClient) GetApplication(context.Context, string) (*Application, error) {
	return nil, ErrSimulated
}

func (*NullClient) GetDeployment(context.Context, string) (*DeploymentStatus, error) {
	return nil, ErrSimulated
}

func (*NullClient) GetDeploymentLogs(context.Context, string) []string {
	return []string{}
}

func (*NullClient) UpdateEnvironmentVariables(context.Context, string, map[string]string) error {
	return ErrSimulated
}

func (*NullClient) DeleteApplication(context.Context, string) error {
	return ErrSimulated
}

func (*NullClient) CancelDeployment(context.Context, string) error {
	return ErrSimulated
}
