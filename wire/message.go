package wire

// DatasetMessage is the Dataset(...) arm of Message.
type DatasetMessage struct {
	Append        *DatasetAppendMsg        `json:"append,omitempty"`
	Extend        *DatasetExtendMsg        `json:"extend,omitempty"`
	SetElement    *DatasetSetElementMsg    `json:"set_element,omitempty"`
	SetElements   *DatasetSetElementsMsg   `json:"set_elements,omitempty"`
	DeleteElement *DatasetDeleteElementMsg `json:"delete_element,omitempty"`
	Empty         *DatasetEmptyMsg         `json:"empty,omitempty"`
	Subscribe     *DatasetSubscribeMsg     `json:"subscribe,omitempty"`
	Dataset       *DatasetDataMsg          `json:"dataset,omitempty"`
}

type DatasetAppendMsg struct {
	Path DatasetPath
	Data DatasetData
}

type DatasetExtendMsg struct {
	Path DatasetPath
	Data []DatasetData
}

type DatasetSetElementMsg struct {
	Path  DatasetPath
	Index int
	Data  DatasetData
}

type DatasetSetElementsMsg struct {
	Path  DatasetPath
	Index int
	Data  []DatasetData
}

type DatasetDeleteElementMsg struct {
	Path  DatasetPath
	Index int
}

type DatasetEmptyMsg struct {
	Path DatasetPath
}

type DatasetSubscribeMsg struct {
	Path DatasetPath
}

// DatasetDataMsg is the reply/broadcast carrying a dataset's full current
// contents.
type DatasetDataMsg struct {
	Path DatasetPath
	Data []DatasetData
}

// Message is the steady-state payload carried over a link: exactly one of
// the four arms is set.
type Message struct {
	Ui      *UiMessage      `json:"ui,omitempty"`
	Dataset *DatasetMessage `json:"dataset,omitempty"`
	Router  *RouterMessage  `json:"router,omitempty"`
	Error   *string         `json:"error,omitempty"`
}

func UiMsg(m UiMessage) Message           { return Message{Ui: &m} }
func DatasetMsg(m DatasetMessage) Message { return Message{Dataset: &m} }
func RouterMsg(m RouterMessage) Message   { return Message{Router: &m} }
func ErrorMsg(s string) Message           { e := s; return Message{Error: &e} }

// Introduction is sent once per link, immediately after the symmetric-key
// exchange, to announce who the sender is.
type Introduction struct {
	Id   []byte // DER-encoded RSA public key; identity.NodeId avoided here to keep Protocol decodable before identity validation
	Role byte
}

// Protocol is the plaintext carried by every steady-state ciphertext frame:
// the one-time Introduction, or a steady-state Message.
type Protocol struct {
	Introduction *Introduction `json:"introduction,omitempty"`
	Message      *Message      `json:"message,omitempty"`
}
