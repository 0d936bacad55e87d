package models

// Modality 信号模态
type Modality string

const (
	ModalityHeartSound Modality = "heart-sound"
	ModalityElectrical Modality = "electrical"
)

// Modalities 所有支持的模态（固定顺序，用于确定性遍历）
var Modalities = []Modality{ModalityHeartSound, ModalityElectrical}

// Valid 是否为已知模态
func (m Modality) Valid() bool {
	return m == ModalityHeartSound || m == ModalityElectrical
}
