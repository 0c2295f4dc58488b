package agent

import (
	xerrors "Sentinel-Protocol/internal/errors"
)

const (
	// CodeProposalMalformed 表示大模型输出无法解析为动作候选，编排直接失败，不进入修订。
	CodeProposalMalformed xerrors.Code = "PROPOSAL_MALFORMED"
	// CodeOracleUnavailable 表示调用大模型失败或超时。
	CodeOracleUnavailable xerrors.Code = "ORACLE_UNAVAILABLE"
)

var (
	ErrProposalMalformed = xerrors.New(CodeProposalMalformed, "")
	ErrOracleUnavailable = xerrors.New(CodeOracleUnavailable, "")
)

func init() {
	xerrors.Register(CodeProposalMalformed, xerrors.Attributes{
		Message:   "oracle output could not be parsed into an action",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeOracleUnavailable, xerrors.Attributes{
		Message:   "decision oracle unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}
