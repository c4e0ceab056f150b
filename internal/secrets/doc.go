// Package secrets resolves secret references of the form "ssm:<name>" by
// reading the named parameter from AWS Systems Manager Parameter Store.
// Values without the prefix pass through unchanged.
package secrets
