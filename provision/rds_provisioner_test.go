package provision

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Octogonapus/RDSBenchmark/variant"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdsTypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRDS struct {
	createPGCalls   []*rds.CreateDBParameterGroupInput
	modifyCalls     []*rds.ModifyDBParameterGroupInput
	createInstCalls []*rds.CreateDBInstanceInput
	deleteInstCalls []string
	deletePGCalls   []string
	describeCalls   int

	createInstErr   error
	deleteInstErr   error
	describeFn      func(in *rds.DescribeDBInstancesInput, call int) (*rds.DescribeDBInstancesOutput, error)
	paramGroups     []rdsTypes.DBParameterGroup
	describePGFn    func(in *rds.DescribeDBParameterGroupsInput, call int) (*rds.DescribeDBParameterGroupsOutput, error)
	describePGCalls int
}

func (f *fakeRDS) CreateDBParameterGroup(ctx context.Context, in *rds.CreateDBParameterGroupInput, opts ...func(*rds.Options)) (*rds.CreateDBParameterGroupOutput, error) {
	f.createPGCalls = append(f.createPGCalls, in)
	return &rds.CreateDBParameterGroupOutput{}, nil
}

func (f *fakeRDS) ModifyDBParameterGroup(ctx context.Context, in *rds.ModifyDBParameterGroupInput, opts ...func(*rds.Options)) (*rds.ModifyDBParameterGroupOutput, error) {
	f.modifyCalls = append(f.modifyCalls, in)
	return &rds.ModifyDBParameterGroupOutput{}, nil
}

func (f *fakeRDS) DeleteDBParameterGroup(ctx context.Context, in *rds.DeleteDBParameterGroupInput, opts ...func(*rds.Options)) (*rds.DeleteDBParameterGroupOutput, error) {
	f.deletePGCalls = append(f.deletePGCalls, *in.DBParameterGroupName)
	return &rds.DeleteDBParameterGroupOutput{}, nil
}

func (f *fakeRDS) DescribeDBParameterGroups(ctx context.Context, in *rds.DescribeDBParameterGroupsInput, opts ...func(*rds.Options)) (*rds.DescribeDBParameterGroupsOutput, error) {
	f.describePGCalls++
	if f.describePGFn != nil {
		return f.describePGFn(in, f.describePGCalls)
	}
	return &rds.DescribeDBParameterGroupsOutput{DBParameterGroups: f.paramGroups}, nil
}

func (f *fakeRDS) CreateDBInstance(ctx context.Context, in *rds.CreateDBInstanceInput, opts ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error) {
	if f.createInstErr != nil {
		return nil, f.createInstErr
	}
	f.createInstCalls = append(f.createInstCalls, in)
	return &rds.CreateDBInstanceOutput{}, nil
}

func (f *fakeRDS) DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, opts ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	f.describeCalls++
	if f.describeFn != nil {
		return f.describeFn(in, f.describeCalls)
	}
	return &rds.DescribeDBInstancesOutput{}, nil
}

func (f *fakeRDS) DeleteDBInstance(ctx context.Context, in *rds.DeleteDBInstanceInput, opts ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error) {
	f.deleteInstCalls = append(f.deleteInstCalls, *in.DBInstanceIdentifier)
	if f.deleteInstErr != nil {
		return nil, f.deleteInstErr
	}
	return &rds.DeleteDBInstanceOutput{}, nil
}

type fakeEC2 struct {
	deletedSGs []string
}

func (f *fakeEC2) CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, opts ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	return &ec2.CreateSecurityGroupOutput{GroupId: aws.String("sg-123")}, nil
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, opts ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, opts ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	f.deletedSGs = append(f.deletedSGs, *in.GroupId)
	return &ec2.DeleteSecurityGroupOutput{}, nil
}

func newTestProvisioner(frds *fakeRDS, fec2 *fakeEC2) *rdsProvisioner {
	return &rdsProvisioner{
		input: &RDSProvisionerInput{
			Label:                "testing",
			Engine:               "mysql",
			EngineVersion:        "5.7.44",
			ParameterGroupFamily: "mysql5.7",
			DefaultInstanceClass: "db.t3.micro",
			AllocatedStorageGB:   20,
			MasterUsername:       "root",
			MasterPassword:       "changeME",
		},
		rds: frds,
		ec2: fec2,
	}
}

func TestProvisionCreatesParameterGroupAndInstance(t *testing.T) {
	frds := &fakeRDS{}
	p := newTestProvisioner(frds, &fakeEC2{})

	handle, err := p.Provision(context.Background(), &variant.Variant{
		Name:       "big-buffers",
		Parameters: map[string]string{"innodb_buffer_pool_size": "104857600"},
	})
	require.NoError(t, err)

	require.Len(t, frds.createPGCalls, 1)
	assert.Equal(t, "pg-testing-big-buffers", *frds.createPGCalls[0].DBParameterGroupName)
	assert.Equal(t, "mysql5.7", *frds.createPGCalls[0].DBParameterGroupFamily)

	require.Len(t, frds.modifyCalls, 1)
	require.Len(t, frds.modifyCalls[0].Parameters, 1)
	assert.Equal(t, "innodb_buffer_pool_size", *frds.modifyCalls[0].Parameters[0].ParameterName)
	assert.Equal(t, rdsTypes.ApplyMethodImmediate, frds.modifyCalls[0].Parameters[0].ApplyMethod)

	require.Len(t, frds.createInstCalls, 1)
	in := frds.createInstCalls[0]
	assert.Equal(t, "db.t3.micro", *in.DBInstanceClass, "falls back to the sweep default class")
	assert.Equal(t, "pg-testing-big-buffers", *in.DBParameterGroupName)
	assert.Equal(t, int32(0), *in.BackupRetentionPeriod)

	assert.Equal(t, *in.DBInstanceIdentifier, handle.InstanceID)
	assert.Equal(t, "pg-testing-big-buffers", handle.ParameterGroup)
	assert.Empty(t, handle.Endpoint, "no endpoint until the instance is ready")
}

func TestProvisionBatchesParameterModifications(t *testing.T) {
	params := map[string]string{}
	for i := 0; i < 25; i++ {
		params[fmt.Sprintf("param_%d", i)] = "1"
	}
	frds := &fakeRDS{}
	p := newTestProvisioner(frds, &fakeEC2{})

	_, err := p.Provision(context.Background(), &variant.Variant{Name: "many", Parameters: params})
	require.NoError(t, err)

	require.Len(t, frds.modifyCalls, 2)
	total := 0
	for _, call := range frds.modifyCalls {
		assert.LessOrEqual(t, len(call.Parameters), maxParametersPerModify)
		total += len(call.Parameters)
	}
	assert.Equal(t, 25, total)
}

func TestProvisionVariantInstanceClassWins(t *testing.T) {
	frds := &fakeRDS{}
	p := newTestProvisioner(frds, &fakeEC2{})

	_, err := p.Provision(context.Background(), &variant.Variant{
		Name:          "bigger-box",
		InstanceClass: "db.m6i.large",
		Parameters:    map[string]string{},
	})
	require.NoError(t, err)
	assert.Equal(t, "db.m6i.large", *frds.createInstCalls[0].DBInstanceClass)
}

func TestProvisionWrapsAPIErrors(t *testing.T) {
	frds := &fakeRDS{createInstErr: &smithy.GenericAPIError{Code: "InstanceQuotaExceeded", Message: "too many instances"}}
	p := newTestProvisioner(frds, &fakeEC2{})

	_, err := p.Provision(context.Background(), &variant.Variant{Name: "quota", Parameters: map[string]string{}})
	require.Error(t, err)

	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Error(), "quota")
}

func describeWithStatuses(statuses []string, endpoint string) func(in *rds.DescribeDBInstancesInput, call int) (*rds.DescribeDBInstancesOutput, error) {
	return func(in *rds.DescribeDBInstancesInput, call int) (*rds.DescribeDBInstancesOutput, error) {
		status := statuses[min(call, len(statuses))-1]
		inst := rdsTypes.DBInstance{
			DBInstanceIdentifier: in.DBInstanceIdentifier,
			DBInstanceStatus:     aws.String(status),
		}
		if status == "available" {
			inst.Endpoint = &rdsTypes.Endpoint{
				Address: aws.String(endpoint),
				Port:    aws.Int32(3306),
			}
		}
		return &rds.DescribeDBInstancesOutput{DBInstances: []rdsTypes.DBInstance{inst}}, nil
	}
}

func TestAwaitReadyFillsEndpoint(t *testing.T) {
	frds := &fakeRDS{describeFn: describeWithStatuses([]string{"creating", "creating", "available"}, "db.example.test")}
	p := newTestProvisioner(frds, &fakeEC2{})

	handle := &InstanceHandle{InstanceID: "testing-1-a"}
	err := p.AwaitReady(context.Background(), handle, time.Minute, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "db.example.test", handle.Endpoint)
	assert.Equal(t, int32(3306), handle.Port)
}

func TestAwaitReadyFailedStateIsProvisionError(t *testing.T) {
	frds := &fakeRDS{describeFn: describeWithStatuses([]string{"creating", "incompatible-parameters"}, "")}
	p := newTestProvisioner(frds, &fakeEC2{})

	err := p.AwaitReady(context.Background(), &InstanceHandle{InstanceID: "testing-1-a"}, time.Minute, time.Millisecond)
	var pe *ProvisionError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "incompatible-parameters")
}

func TestAwaitReadyTimesOut(t *testing.T) {
	frds := &fakeRDS{describeFn: describeWithStatuses([]string{"creating"}, "")}
	p := newTestProvisioner(frds, &fakeEC2{})

	err := p.AwaitReady(context.Background(), &InstanceHandle{InstanceID: "testing-1-a"}, 5*time.Millisecond, time.Millisecond)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "testing-1-a", te.InstanceID)
}

func TestDestroyToleratesAlreadyGone(t *testing.T) {
	frds := &fakeRDS{deleteInstErr: &rdsTypes.DBInstanceNotFoundFault{}}
	p := newTestProvisioner(frds, &fakeEC2{})

	p.Destroy(context.Background(), &InstanceHandle{InstanceID: "testing-1-a"})
	assert.Len(t, frds.deleteInstCalls, 1)
}

func TestCleanupDeletesLabeledLeftovers(t *testing.T) {
	old := cleanupPollInterval
	cleanupPollInterval = time.Millisecond
	defer func() { cleanupPollInterval = old }()

	frds := &fakeRDS{
		describeFn: func(in *rds.DescribeDBInstancesInput, call int) (*rds.DescribeDBInstancesOutput, error) {
			if call > 1 {
				return &rds.DescribeDBInstancesOutput{}, nil
			}
			return &rds.DescribeDBInstancesOutput{DBInstances: []rdsTypes.DBInstance{
				{DBInstanceIdentifier: aws.String("testing-1-a"), DBInstanceStatus: aws.String("available")},
				{DBInstanceIdentifier: aws.String("unrelated-db"), DBInstanceStatus: aws.String("available")},
			}}, nil
		},
		paramGroups: []rdsTypes.DBParameterGroup{
			{DBParameterGroupName: aws.String("pg-testing-a")},
			{DBParameterGroupName: aws.String("default.mysql5.7")},
		},
	}
	p := newTestProvisioner(frds, &fakeEC2{})

	err := p.Cleanup(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"testing-1-a"}, frds.deleteInstCalls)
	assert.Equal(t, []string{"pg-testing-a"}, frds.deletePGCalls)
}

func TestCleanupFollowsListingMarkers(t *testing.T) {
	old := cleanupPollInterval
	cleanupPollInterval = time.Millisecond
	defer func() { cleanupPollInterval = old }()

	frds := &fakeRDS{
		describeFn: func(in *rds.DescribeDBInstancesInput, call int) (*rds.DescribeDBInstancesOutput, error) {
			switch call {
			case 1:
				require.Nil(t, in.Marker)
				return &rds.DescribeDBInstancesOutput{
					DBInstances: []rdsTypes.DBInstance{
						{DBInstanceIdentifier: aws.String("testing-1-a"), DBInstanceStatus: aws.String("available")},
					},
					Marker: aws.String("page-2"),
				}, nil
			case 2:
				require.Equal(t, "page-2", *in.Marker)
				return &rds.DescribeDBInstancesOutput{DBInstances: []rdsTypes.DBInstance{
					{DBInstanceIdentifier: aws.String("testing-2-b"), DBInstanceStatus: aws.String("available")},
				}}, nil
			default:
				return &rds.DescribeDBInstancesOutput{}, nil
			}
		},
		describePGFn: func(in *rds.DescribeDBParameterGroupsInput, call int) (*rds.DescribeDBParameterGroupsOutput, error) {
			if call == 1 {
				return &rds.DescribeDBParameterGroupsOutput{
					DBParameterGroups: []rdsTypes.DBParameterGroup{{DBParameterGroupName: aws.String("pg-testing-a")}},
					Marker:            aws.String("page-2"),
				}, nil
			}
			return &rds.DescribeDBParameterGroupsOutput{
				DBParameterGroups: []rdsTypes.DBParameterGroup{{DBParameterGroupName: aws.String("pg-testing-b")}},
			}, nil
		},
	}
	p := newTestProvisioner(frds, &fakeEC2{})

	err := p.Cleanup(context.Background(), 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"testing-1-a", "testing-2-b"}, frds.deleteInstCalls,
		"leftovers past the first page must be found")
	assert.ElementsMatch(t, []string{"pg-testing-a", "pg-testing-b"}, frds.deletePGCalls)
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(&smithy.GenericAPIError{Code: "AuthFailure"}))
	assert.True(t, IsFatal(&ProvisionError{Op: "create instance", Err: &smithy.GenericAPIError{Code: "UnrecognizedClientException"}}))
	assert.False(t, IsFatal(&smithy.GenericAPIError{Code: "InstanceQuotaExceeded"}))
	assert.False(t, IsFatal(errors.New("some transient thing")))
}
