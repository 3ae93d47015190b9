package devices

// Mirror devices. A high-heat-load mirror exposes its coordinated
// pseudo motors (pitch, normal) alongside the real axes; KB pairs are
// two bendable mirrors sharing one IOC prefix.

// HighHeatLoadMirror is a water-cooled white-beam mirror with
// transverse/roll real axes, upstream/downstream jacks and the
// pitch/normal pseudo motors that coordinate them.
type HighHeatLoadMirror struct {
	group

	transverse *Motor
	roll       *Motor
	upstream   *Motor
	downstream *Motor
	pitch      *Motor
	normal     *Motor
	bender     *Motor
}

// NewHighHeatLoadMirror declares the mirror at the given IOC prefix
// (e.g. "25ida:ORM1:"). bendable adds the bender axis for mirrors with
// adjustable figure.
func NewHighHeatLoadMirror(prefix, name string, bendable bool) *HighHeatLoadMirror {
	m := &HighHeatLoadMirror{}
	m.name = name
	m.labels = []string{"mirrors"}

	m.transverse = NewMotor(prefix+"m1", name+"_transverse")
	m.roll = NewMotor(prefix+"m2", name+"_roll")
	m.upstream = NewMotor(prefix+"m3", name+"_upstream")
	m.downstream = NewMotor(prefix+"m4", name+"_downstream")
	m.pitch = NewMotor(prefix+"coarsePitch", name+"_pitch")
	m.normal = NewMotor(prefix+"lateral", name+"_normal")
	children := []*Motor{m.transverse, m.roll, m.upstream, m.downstream, m.pitch, m.normal}
	if bendable {
		m.bender = NewMotor(prefix+"bender", name+"_bender")
		children = append(children, m.bender)
	}
	for _, c := range children {
		m.addChild(c)
	}
	return m
}

// Pitch exposes the pitch pseudo motor for alignment plans.
func (m *HighHeatLoadMirror) Pitch() *Motor { return m.pitch }

// Normal exposes the beam-normal pseudo motor.
func (m *HighHeatLoadMirror) Normal() *Motor { return m.normal }

// kbMirror is one arm of a KB pair: upstream/downstream real motors,
// their bender screws, and the pitch/normal pseudo motors coordinating
// them.
type kbMirror struct {
	group

	pitch          *Motor
	normal         *Motor
	upstream       *Motor
	downstream     *Motor
	benderUpstream *Motor
	benderDownstr  *Motor
}

func newKBMirror(prefix, name, axis string, spec KBArmSpec) *kbMirror {
	m := &kbMirror{}
	m.name = name
	m.labels = []string{"mirrors"}

	m.pitch = NewMotor(prefix+"pitch"+axis, name+"_pitch")
	m.normal = NewMotor(prefix+"height"+axis, name+"_normal")
	m.upstream = NewMotor(prefix+spec.Upstream, name+"_upstream")
	m.downstream = NewMotor(prefix+spec.Downstream, name+"_downstream")
	children := []*Motor{m.pitch, m.normal, m.upstream, m.downstream}
	if spec.BenderUpstream != "" {
		m.benderUpstream = NewMotor(prefix+spec.BenderUpstream, name+"_bender_upstream")
		children = append(children, m.benderUpstream)
	}
	if spec.BenderDownstream != "" {
		m.benderDownstr = NewMotor(prefix+spec.BenderDownstream, name+"_bender_downstream")
		children = append(children, m.benderDownstr)
	}
	for _, c := range children {
		m.addChild(c)
	}
	return m
}

// KBArmSpec names one mirror's motor record suffixes relative to the
// shared IOC prefix. Bender entries are optional for non-bendable
// mirrors.
type KBArmSpec struct {
	Upstream         string
	Downstream       string
	BenderUpstream   string
	BenderDownstream string
}

// KBMirrors is a Kirkpatrick-Baez focusing pair: a horizontally and a
// vertically deflecting bendable mirror on one IOC.
type KBMirrors struct {
	group

	horizontal *kbMirror
	vertical   *kbMirror
}

// NewKBMirrors declares the KB pair at the given IOC prefix
// (e.g. "25idc:KB:") with per-arm motor record assignments.
func NewKBMirrors(prefix, name string, horiz, vert KBArmSpec) *KBMirrors {
	kb := &KBMirrors{}
	kb.name = name
	kb.labels = []string{"kb_mirrors", "mirrors"}

	kb.horizontal = newKBMirror(prefix, name+"_horiz", "H", horiz)
	kb.vertical = newKBMirror(prefix, name+"_vert", "V", vert)
	kb.addChild(kb.horizontal)
	kb.addChild(kb.vertical)
	return kb
}

// HorizontalPitch exposes the horizontal mirror pitch.
func (kb *KBMirrors) HorizontalPitch() *Motor { return kb.horizontal.pitch }

// VerticalPitch exposes the vertical mirror pitch.
func (kb *KBMirrors) VerticalPitch() *Motor { return kb.vertical.pitch }
