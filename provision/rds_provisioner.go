package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Octogonapus/RDSBenchmark/util"
	"github.com/Octogonapus/RDSBenchmark/variant"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdsTypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
)

const mysqlPort = 3306

// ModifyDBParameterGroup accepts at most 20 parameters per request.
const maxParametersPerModify = 20

// Instance statuses that will never become available.
var failedStatuses = map[string]bool{
	"failed":                              true,
	"storage-full":                        true,
	"incompatible-option-group":           true,
	"incompatible-parameters":             true,
	"incompatible-restore":                true,
	"incompatible-network":                true,
	"inaccessible-encryption-credentials": true,
}

// The subset of the RDS API the provisioner uses. Declared so tests can fake it.
type rdsAPI interface {
	CreateDBParameterGroup(ctx context.Context, in *rds.CreateDBParameterGroupInput, opts ...func(*rds.Options)) (*rds.CreateDBParameterGroupOutput, error)
	ModifyDBParameterGroup(ctx context.Context, in *rds.ModifyDBParameterGroupInput, opts ...func(*rds.Options)) (*rds.ModifyDBParameterGroupOutput, error)
	DeleteDBParameterGroup(ctx context.Context, in *rds.DeleteDBParameterGroupInput, opts ...func(*rds.Options)) (*rds.DeleteDBParameterGroupOutput, error)
	DescribeDBParameterGroups(ctx context.Context, in *rds.DescribeDBParameterGroupsInput, opts ...func(*rds.Options)) (*rds.DescribeDBParameterGroupsOutput, error)
	CreateDBInstance(ctx context.Context, in *rds.CreateDBInstanceInput, opts ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error)
	DescribeDBInstances(ctx context.Context, in *rds.DescribeDBInstancesInput, opts ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	DeleteDBInstance(ctx context.Context, in *rds.DeleteDBInstanceInput, opts ...func(*rds.Options)) (*rds.DeleteDBInstanceOutput, error)
}

type ec2API interface {
	CreateSecurityGroup(ctx context.Context, in *ec2.CreateSecurityGroupInput, opts ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, in *ec2.AuthorizeSecurityGroupIngressInput, opts ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	DeleteSecurityGroup(ctx context.Context, in *ec2.DeleteSecurityGroupInput, opts ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error)
}

type rdsProvisioner struct {
	input       *RDSProvisionerInput
	rds         rdsAPI
	ec2         ec2API
	sgID        *string
	paramGroups []string
	destroyed   []string
	seq         int
}

type RDSProvisionerInput struct {
	AwsConfig aws.Config

	// Prefix applied to every instance and parameter group this sweep creates,
	// so leftovers can be found and cleaned up later.
	Label string

	Engine               string // e.g. mysql
	EngineVersion        string // e.g. 5.7.44
	ParameterGroupFamily string // e.g. mysql5.7

	// Instance class used when a variant does not name one.
	DefaultInstanceClass string

	AllocatedStorageGB int32
	MasterUsername     string
	MasterPassword     string
}

func NewRDSProvisioner(input *RDSProvisionerInput) *rdsProvisioner {
	return &rdsProvisioner{
		input: input,
		rds:   rds.NewFromConfig(input.AwsConfig),
		ec2:   ec2.NewFromConfig(input.AwsConfig),
	}
}

func (p *rdsProvisioner) SetUp(ctx context.Context) error {
	sg, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(fmt.Sprintf("%s-%s", p.input.Label, util.Randstring(8))),
		Description: aws.String(fmt.Sprintf("mysql ingress for %s benchmark sweep", p.input.Label)),
	})
	if err != nil {
		return &ProvisionError{Op: "create security group", Err: err}
	}
	slog.Debug("created security group", slog.String("ID", *sg.GroupId))
	p.sgID = sg.GroupId

	_, err = p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: p.sgID,
		IpPermissions: []ec2Types.IpPermission{
			{
				FromPort:   aws.Int32(mysqlPort),
				IpProtocol: aws.String("tcp"),
				IpRanges:   []ec2Types.IpRange{{CidrIp: aws.String("0.0.0.0/0")}},
				ToPort:     aws.Int32(mysqlPort),
			},
		},
	})
	if err != nil {
		return &ProvisionError{Op: "authorize security group ingress", Err: err}
	}
	return nil
}

func (p *rdsProvisioner) Provision(ctx context.Context, v *variant.Variant) (*InstanceHandle, error) {
	pgName := fmt.Sprintf("pg-%s-%s", p.input.Label, v.Name)
	_, err := p.rds.CreateDBParameterGroup(ctx, &rds.CreateDBParameterGroupInput{
		DBParameterGroupName:   aws.String(pgName),
		DBParameterGroupFamily: aws.String(p.input.ParameterGroupFamily),
		Description:            aws.String(fmt.Sprintf("%s variant %s", p.input.Label, v.Name)),
	})
	if err != nil {
		return nil, &ProvisionError{Op: fmt.Sprintf("create parameter group %s", pgName), Err: err}
	}
	slog.Debug("created parameter group", slog.String("name", pgName))
	p.paramGroups = append(p.paramGroups, pgName)

	params := []rdsTypes.Parameter{}
	for name, val := range v.Parameters {
		params = append(params, rdsTypes.Parameter{
			ParameterName:  aws.String(name),
			ParameterValue: aws.String(val),
			ApplyMethod:    rdsTypes.ApplyMethodImmediate,
		})
	}
	for len(params) > 0 {
		batch := params
		if len(batch) > maxParametersPerModify {
			batch = params[:maxParametersPerModify]
		}
		params = params[len(batch):]
		_, err = p.rds.ModifyDBParameterGroup(ctx, &rds.ModifyDBParameterGroupInput{
			DBParameterGroupName: aws.String(pgName),
			Parameters:           batch,
		})
		if err != nil {
			return nil, &ProvisionError{Op: fmt.Sprintf("modify parameter group %s", pgName), Err: err}
		}
	}

	class := v.InstanceClass
	if class == "" {
		class = p.input.DefaultInstanceClass
	}

	p.seq++
	instanceID := fmt.Sprintf("%s-%d-%s", p.input.Label, p.seq, v.Name)
	_, err = p.rds.CreateDBInstance(ctx, &rds.CreateDBInstanceInput{
		DBInstanceIdentifier:  aws.String(instanceID),
		DBInstanceClass:       aws.String(class),
		Engine:                aws.String(p.input.Engine),
		EngineVersion:         aws.String(p.input.EngineVersion),
		AllocatedStorage:      aws.Int32(p.input.AllocatedStorageGB),
		MasterUsername:        aws.String(p.input.MasterUsername),
		MasterUserPassword:    aws.String(p.input.MasterPassword),
		DBParameterGroupName:  aws.String(pgName),
		BackupRetentionPeriod: aws.Int32(0),
		PubliclyAccessible:    aws.Bool(true),
		VpcSecurityGroupIds:   p.securityGroupIDs(),
	})
	if err != nil {
		return nil, &ProvisionError{Op: fmt.Sprintf("create instance %s", instanceID), Err: err}
	}
	slog.Info("created instance",
		slog.String("instanceID", instanceID),
		slog.String("class", class),
		slog.String("parameterGroup", pgName),
	)

	return &InstanceHandle{
		InstanceID:     instanceID,
		ParameterGroup: pgName,
		VariantName:    v.Name,
	}, nil
}

func (p *rdsProvisioner) securityGroupIDs() []string {
	if p.sgID == nil {
		return nil
	}
	return []string{*p.sgID}
}

func (p *rdsProvisioner) AwaitReady(ctx context.Context, handle *InstanceHandle, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		resp, err := p.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
			DBInstanceIdentifier: aws.String(handle.InstanceID),
		})
		if err != nil {
			return &ProvisionError{Op: fmt.Sprintf("describe instance %s", handle.InstanceID), Err: err}
		}
		if len(resp.DBInstances) == 0 {
			return &ProvisionError{
				Op:  fmt.Sprintf("describe instance %s", handle.InstanceID),
				Err: errors.New("instance disappeared while waiting for it"),
			}
		}

		inst := resp.DBInstances[0]
		status := aws.ToString(inst.DBInstanceStatus)
		if status == "available" && inst.Endpoint != nil {
			handle.Endpoint = aws.ToString(inst.Endpoint.Address)
			handle.Port = aws.ToInt32(inst.Endpoint.Port)
			slog.Info("instance is available",
				slog.String("instanceID", handle.InstanceID),
				slog.String("endpoint", handle.Endpoint),
			)
			return nil
		}
		if failedStatuses[status] {
			return &ProvisionError{
				Op:  fmt.Sprintf("wait for instance %s", handle.InstanceID),
				Err: fmt.Errorf("instance entered status %s", status),
			}
		}
		slog.Debug("waiting for instance to become available",
			slog.String("instanceID", handle.InstanceID),
			slog.String("status", status),
		)

		if time.Now().Add(interval).After(deadline) {
			return &TimeoutError{InstanceID: handle.InstanceID, Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return &ProvisionError{Op: fmt.Sprintf("wait for instance %s", handle.InstanceID), Err: ctx.Err()}
		case <-time.After(interval):
		}
	}
}

func (p *rdsProvisioner) Destroy(ctx context.Context, handle *InstanceHandle) {
	_, err := p.rds.DeleteDBInstance(ctx, &rds.DeleteDBInstanceInput{
		DBInstanceIdentifier: aws.String(handle.InstanceID),
		SkipFinalSnapshot:    aws.Bool(true),
	})
	if err != nil {
		var notFound *rdsTypes.DBInstanceNotFoundFault
		if errors.As(err, &notFound) {
			slog.Debug("instance already gone", slog.String("instanceID", handle.InstanceID))
		} else {
			slog.Error("DeleteDBInstance failed", slog.String("instanceID", handle.InstanceID), slog.String("error", err.Error()))
		}
	} else {
		slog.Info("deleting instance", slog.String("instanceID", handle.InstanceID))
	}
	p.destroyed = append(p.destroyed, handle.InstanceID)
}

func (p *rdsProvisioner) TearDown(ctx context.Context) error {
	// Parameter groups and the security group can't be deleted while an
	// instance still references them, and instance deletion is asynchronous.
	p.waitForInstancesGone(ctx)

	for _, pg := range p.paramGroups {
		_, err := p.rds.DeleteDBParameterGroup(ctx, &rds.DeleteDBParameterGroupInput{
			DBParameterGroupName: aws.String(pg),
		})
		if err != nil {
			slog.Error("DeleteDBParameterGroup failed", slog.String("name", pg), slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted parameter group", slog.String("name", pg))
		}
	}

	if p.sgID != nil {
		_, err := p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{
			GroupId: p.sgID,
		})
		if err != nil {
			slog.Error("DeleteSecurityGroup failed", slog.String("error", err.Error()))
		} else {
			slog.Debug("deleted security group", slog.String("ID", *p.sgID))
		}
	}
	return nil
}

func (p *rdsProvisioner) waitForInstancesGone(ctx context.Context) {
	for i := 0; i < 10; i++ {
		remaining := []string{}
		for _, id := range p.destroyed {
			_, err := p.rds.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
				DBInstanceIdentifier: aws.String(id),
			})
			if err != nil {
				var notFound *rdsTypes.DBInstanceNotFoundFault
				if !errors.As(err, &notFound) {
					slog.Debug("DescribeDBInstances failed while waiting for deletion", slog.String("error", err.Error()))
				}
				continue
			}
			remaining = append(remaining, id)
		}
		if len(remaining) == 0 {
			return
		}
		slog.Debug("waiting for instances to finish deleting", slog.Int("remaining", len(remaining)))
		select {
		case <-ctx.Done():
			return
		case <-time.After(60 * time.Second):
		}
	}
	slog.Error("timed out waiting for instances to finish deleting")
}
