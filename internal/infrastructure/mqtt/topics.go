package mqtt

import "strings"

// DefaultTopicPrefix is the root of every topic when none is configured.
const DefaultTopicPrefix = "wiser"

// Topics builds the topic tree of one site:
//
//	<prefix>/<site>/state/<state id>   retained state values
//	<prefix>/<site>/set/<state id>     user writes
//	<prefix>/<site>/health             bridge health
//	<prefix>/<site>/status             client online/offline (LWT)
//
// State ids keep their dots; they never contain '/'.
type Topics struct {
	Prefix string
	Site   string
}

// NewTopics returns the topic builder for site under prefix.
func NewTopics(prefix, site string) Topics {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix, Site: site}
}

func (t Topics) base() string {
	return t.Prefix + "/" + t.Site
}

// State returns the retained value topic of a state id.
//
// Example: wiser/home/state/A1.A1_7.ACTIONS.BRI
func (t Topics) State(id string) string {
	return t.base() + "/state/" + id
}

// Set returns the user write topic of a state id.
func (t Topics) Set(id string) string {
	return t.base() + "/set/" + id
}

// SetSubscribe matches every user write of the site.
func (t Topics) SetSubscribe() string {
	return t.base() + "/set/#"
}

// StateID extracts the state id from a set topic.
func (t Topics) StateID(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, t.base()+"/set/")
	if !ok || id == "" || strings.ContainsAny(id, "/+#") {
		return "", false
	}
	return id, true
}

// Health returns the bridge health topic.
func (t Topics) Health() string {
	return t.base() + "/health"
}

// Status returns the client status topic carrying the last will.
func (t Topics) Status() string {
	return t.base() + "/status"
}
