package devices

// Slit devices. Blade slits follow the EPICS synApps 4-blade naming
// (per-axis xn/xp real blades with size/center pseudo motors);
// aperture slits are a single rotating-drum aperture steered in
// pitch/yaw.

// slitAxis is one axis of a blade slit set: the two blades plus the
// derived size and center pseudo motors.
type slitAxis struct {
	group

	negative *Motor
	positive *Motor
	size     *Motor
	center   *Motor
}

func newSlitAxis(prefix, name, axis string) *slitAxis {
	a := &slitAxis{}
	a.name = name
	a.labels = []string{"slits"}

	a.negative = NewMotor(prefix+axis+"n", name+"_negative")
	a.positive = NewMotor(prefix+axis+"p", name+"_positive")
	a.size = NewMotor(prefix+axis+"size", name+"_size")
	a.center = NewMotor(prefix+axis+"center", name+"_center")
	for _, c := range []*Motor{a.negative, a.positive, a.size, a.center} {
		a.addChild(c)
	}
	return a
}

// BladeSlits is a four-blade slit set with horizontal and vertical
// size/center pseudo motors.
type BladeSlits struct {
	group

	horizontal *slitAxis
	vertical   *slitAxis
}

// NewBladeSlits declares the slit set at the given IOC prefix
// (e.g. "25idc:KB_slits:").
func NewBladeSlits(prefix, name string) *BladeSlits {
	s := &BladeSlits{}
	s.name = name
	s.labels = []string{"slits"}

	s.horizontal = newSlitAxis(prefix, name+"_horiz", "H")
	s.vertical = newSlitAxis(prefix, name+"_vert", "V")
	s.addChild(s.horizontal)
	s.addChild(s.vertical)
	return s
}

// HorizontalSize exposes the horizontal gap pseudo motor.
func (s *BladeSlits) HorizontalSize() *Motor { return s.horizontal.size }

// VerticalSize exposes the vertical gap pseudo motor.
func (s *BladeSlits) VerticalSize() *Motor { return s.vertical.size }

// ApertureSlits is a rotating-drum aperture: one hole selected by
// horizontal/diagonal translation, steered in pitch and yaw, with
// derived center/size pseudo motors.
type ApertureSlits struct {
	group

	horizontalCenter *Motor
	verticalCenter   *Motor
	horizontalSize   *Motor
	verticalSize     *Motor
	pitch            *Motor
	yaw              *Motor
	horizontal       *Motor
	diagonal         *Motor
}

// ApertureMotors names the aperture's real motor record suffixes
// relative to the IOC prefix. Empty fields use the synApps defaults.
type ApertureMotors struct {
	Pitch      string
	Yaw        string
	Horizontal string
	Diagonal   string
}

// NewApertureSlits declares the aperture at the given IOC prefix
// (e.g. "25ida:slits:US:").
func NewApertureSlits(prefix, name string, motors ApertureMotors) *ApertureSlits {
	if motors.Pitch == "" {
		motors.Pitch = "pitch"
	}
	if motors.Yaw == "" {
		motors.Yaw = "yaw"
	}
	if motors.Horizontal == "" {
		motors.Horizontal = "horizontal"
	}
	if motors.Diagonal == "" {
		motors.Diagonal = "diagonal"
	}

	s := &ApertureSlits{}
	s.name = name
	s.labels = []string{"slits"}

	s.horizontalCenter = NewMotor(prefix+"hCenter", name+"_horiz_center")
	s.verticalCenter = NewMotor(prefix+"vCenter", name+"_vert_center")
	s.horizontalSize = NewMotor(prefix+"hSize", name+"_horiz_size")
	s.verticalSize = NewMotor(prefix+"vSize", name+"_vert_size")
	s.pitch = NewMotor(prefix+motors.Pitch, name+"_pitch")
	s.yaw = NewMotor(prefix+motors.Yaw, name+"_yaw")
	s.horizontal = NewMotor(prefix+motors.Horizontal, name+"_horizontal")
	s.diagonal = NewMotor(prefix+motors.Diagonal, name+"_diagonal")
	for _, c := range []*Motor{
		s.horizontalCenter, s.verticalCenter, s.horizontalSize,
		s.verticalSize, s.pitch, s.yaw, s.horizontal, s.diagonal,
	} {
		s.addChild(c)
	}
	return s
}
