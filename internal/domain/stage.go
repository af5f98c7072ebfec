package domain

type Stage string

const (
	StageNew                          Stage = "New"
	StageApprovedFromPOToPA           Stage = "ApprovedFromPOToPA"
	StageApprovedFromPIToPA           Stage = "ApprovedFromPIToPA"
	StageApprovedFromPOToPI           Stage = "ApprovedFromPOToPI"
	StageApprovedFromPAToPI           Stage = "ApprovedFromPAToPI"
	StageApprovedFromPOToAssetUrgent  Stage = "ApprovedFromPOtoAssetUrgent"
	StageApprovedFromPIToAsset        Stage = "ApprovedFromPIToAsset"
	StageApprovedFromAssetToHSE       Stage = "ApprovedFromAssetToHSE"
	// StageApprovedFromHSEToPO is accepted on stored workflows but never produced.
	StageApprovedFromHSEToPO          Stage = "ApprovedFromHSEToPO"
	StageIssued                       Stage = "Issued"
	StageClosedByPO                   Stage = "ClosedByPO"
	StageApprovedFromPOToAssetManager Stage = "ApprovedFromPOtoAssetmanager"
	StageClosedByAssetManager         Stage = "ClosedByAssetManager"
	StageRejected                     Stage = "Rejected"
	StagePermanentlyClosed            Stage = "PermanentlyClosed"
)

var Stages = []Stage{
	StageNew,
	StageApprovedFromPOToPA,
	StageApprovedFromPIToPA,
	StageApprovedFromPOToPI,
	StageApprovedFromPAToPI,
	StageApprovedFromPOToAssetUrgent,
	StageApprovedFromPIToAsset,
	StageApprovedFromAssetToHSE,
	StageApprovedFromHSEToPO,
	StageIssued,
	StageClosedByPO,
	StageApprovedFromPOToAssetManager,
	StageClosedByAssetManager,
	StageRejected,
	StagePermanentlyClosed,
}

func (s Stage) Valid() bool {
	for _, st := range Stages {
		if st == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further workflow decision is possible.
func (s Stage) Terminal() bool {
	return s == StageClosedByAssetManager || s == StagePermanentlyClosed
}

// Issued reports whether the permit has been issued and not yet closed by the asset manager.
func (s Stage) Issued() bool {
	switch s {
	case StageIssued, StageApprovedFromHSEToPO, StageClosedByPO, StageApprovedFromPOToAssetManager:
		return true
	}
	return false
}

// PreIssuance reports whether the permit is still in the approval chain.
func (s Stage) PreIssuance() bool {
	switch s {
	case StageNew,
		StageApprovedFromPOToPA,
		StageApprovedFromPIToPA,
		StageApprovedFromPOToPI,
		StageApprovedFromPAToPI,
		StageApprovedFromPOToAssetUrgent,
		StageApprovedFromPIToAsset,
		StageApprovedFromAssetToHSE:
		return true
	}
	return false
}
