package domain

// Details holds the static form fields of a permit. Every field is optional:
// nil means "not supplied" on input and SQL NULL on output.
type Details struct {
	BDSlipNo          *string `json:"bd_slip_no" nullable:"true" required:"false"`
	PermitDate        *string `json:"permit_date" nullable:"true" required:"false"`
	PermitIssuingTime *string `json:"permit_issuing_time" nullable:"true" required:"false"`
	PermitClosingTime *string `json:"permit_closing_time" nullable:"true" required:"false"`
	Shift             *string `json:"shift" nullable:"true" required:"false"`
	Plant             *string `json:"plant" nullable:"true" required:"false"`
	Department        *string `json:"department" nullable:"true" required:"false"`
	BayNo             *string `json:"bay_no" nullable:"true" required:"false"`
	LineName          *string `json:"line_name" nullable:"true" required:"false"`
	MachineNo         *string `json:"machine_no" nullable:"true" required:"false"`

	PresenceOfBayManagerShift1                           *bool  `json:"presence_of_bay_manager_shift1" nullable:"true" required:"false"`
	PresenceOfBayManagerShift2                           *bool  `json:"presence_of_bay_manager_shift2" nullable:"true" required:"false"`
	PresenceOfBayManagerShift3                           *bool  `json:"presence_of_bay_manager_shift3" nullable:"true" required:"false"`
	PresenceOfMaintenanceInchargeShift1                  *bool  `json:"presence_of_maintenance_incharge_shift1" nullable:"true" required:"false"`
	PresenceOfMaintenanceInchargeShift2                  *bool  `json:"presence_of_maintenance_incharge_shift2" nullable:"true" required:"false"`
	PresenceOfMaintenanceInchargeShift3                  *bool  `json:"presence_of_maintenance_incharge_shift3" nullable:"true" required:"false"`
	NoOfPersonsWorkingInMachineShift1                    *int64 `json:"no_of_persons_working_in_machine_shift1" nullable:"true" required:"false" minimum:"0"`
	NoOfPersonsWorkingInMachineShift2                    *int64 `json:"no_of_persons_working_in_machine_shift2" nullable:"true" required:"false" minimum:"0"`
	NoOfPersonsWorkingInMachineShift3                    *int64 `json:"no_of_persons_working_in_machine_shift3" nullable:"true" required:"false" minimum:"0"`
	EmergencySwitchOperatorPanelOffConditionShift1       *bool  `json:"emergency_switch_operator_panel_off_condition_shift1" nullable:"true" required:"false"`
	EmergencySwitchOperatorPanelOffConditionShift2       *bool  `json:"emergency_switch_operator_panel_off_condition_shift2" nullable:"true" required:"false"`
	EmergencySwitchOperatorPanelOffConditionShift3       *bool  `json:"emergency_switch_operator_panel_off_condition_shift3" nullable:"true" required:"false"`
	EmergencySwitchCycleStartPanelOffConditionShift1     *bool  `json:"emergency_switch_cycle_start_panel_off_condition_shift1" nullable:"true" required:"false"`
	EmergencySwitchCycleStartPanelOffConditionShift2     *bool  `json:"emergency_switch_cycle_start_panel_off_condition_shift2" nullable:"true" required:"false"`
	EmergencySwitchCycleStartPanelOffConditionShift3     *bool  `json:"emergency_switch_cycle_start_panel_off_condition_shift3" nullable:"true" required:"false"`
	EmergencySwitchConveyorPanelOffConditionShift1       *bool  `json:"emergency_switch_conveyor_panel_off_condition_shift1" nullable:"true" required:"false"`
	EmergencySwitchConveyorPanelOffConditionShift2       *bool  `json:"emergency_switch_conveyor_panel_off_condition_shift2" nullable:"true" required:"false"`
	EmergencySwitchConveyorPanelOffConditionShift3       *bool  `json:"emergency_switch_conveyor_panel_off_condition_shift3" nullable:"true" required:"false"`
	McbOffLockConditionShift1                            *bool  `json:"mcb_off_lock_condition_shift1" nullable:"true" required:"false"`
	McbOffLockConditionShift2                            *bool  `json:"mcb_off_lock_condition_shift2" nullable:"true" required:"false"`
	McbOffLockConditionShift3                            *bool  `json:"mcb_off_lock_condition_shift3" nullable:"true" required:"false"`
	AirLineCloseConditionShift1                          *bool  `json:"air_line_close_condition_shift1" nullable:"true" required:"false"`
	AirLineCloseConditionShift2                          *bool  `json:"air_line_close_condition_shift2" nullable:"true" required:"false"`
	AirLineCloseConditionShift3                          *bool  `json:"air_line_close_condition_shift3" nullable:"true" required:"false"`
	MenAtWorkBoardMcbPanelShift1                         *bool  `json:"men_at_work_board_mcb_panel_shift1" nullable:"true" required:"false"`
	MenAtWorkBoardMcbPanelShift2                         *bool  `json:"men_at_work_board_mcb_panel_shift2" nullable:"true" required:"false"`
	MenAtWorkBoardMcbPanelShift3                         *bool  `json:"men_at_work_board_mcb_panel_shift3" nullable:"true" required:"false"`
	MenAtWorkDoNotOperateMachineBoardOperatorPanelShift1 *bool  `json:"men_at_work_do_not_operate_machine_board_operator_panel_shift1" nullable:"true" required:"false"`
	MenAtWorkDoNotOperateMachineBoardOperatorPanelShift2 *bool  `json:"men_at_work_do_not_operate_machine_board_operator_panel_shift2" nullable:"true" required:"false"`
	MenAtWorkDoNotOperateMachineBoardOperatorPanelShift3 *bool  `json:"men_at_work_do_not_operate_machine_board_operator_panel_shift3" nullable:"true" required:"false"`
	MenAtWorkBoardAirValveShift1                         *bool  `json:"men_at_work_board_air_valve_shift1" nullable:"true" required:"false"`
	MenAtWorkBoardAirValveShift2                         *bool  `json:"men_at_work_board_air_valve_shift2" nullable:"true" required:"false"`
	MenAtWorkBoardAirValveShift3                         *bool  `json:"men_at_work_board_air_valve_shift3" nullable:"true" required:"false"`
}

// Field binds one static column to its accessor on Details. The set of
// fields is closed: Fields is the only place a column becomes editable.
type Field struct {
	Column string
	dest   func(*Details) any
	value  func(*Details) (any, bool)
}

func field[T any](column string, ref func(*Details) **T) Field {
	return Field{
		Column: column,
		dest:   func(d *Details) any { return ref(d) },
		value: func(d *Details) (any, bool) {
			p := *ref(d)
			if p == nil {
				return nil, false
			}
			return *p, true
		},
	}
}

// Dest returns a scan destination for the field inside d.
func (f Field) Dest(d *Details) any { return f.dest(d) }

// Value returns the field's value in d and whether it was supplied.
func (f Field) Value(d *Details) (any, bool) { return f.value(d) }

// Fields lists every static permit column in table order.
var Fields = []Field{
	field("bd_slip_no", func(d *Details) **string { return &d.BDSlipNo }),
	field("permit_date", func(d *Details) **string { return &d.PermitDate }),
	field("permit_issuing_time", func(d *Details) **string { return &d.PermitIssuingTime }),
	field("permit_closing_time", func(d *Details) **string { return &d.PermitClosingTime }),
	field("shift", func(d *Details) **string { return &d.Shift }),
	field("plant", func(d *Details) **string { return &d.Plant }),
	field("department", func(d *Details) **string { return &d.Department }),
	field("bay_no", func(d *Details) **string { return &d.BayNo }),
	field("line_name", func(d *Details) **string { return &d.LineName }),
	field("machine_no", func(d *Details) **string { return &d.MachineNo }),
	field("presence_of_bay_manager_shift1", func(d *Details) **bool { return &d.PresenceOfBayManagerShift1 }),
	field("presence_of_bay_manager_shift2", func(d *Details) **bool { return &d.PresenceOfBayManagerShift2 }),
	field("presence_of_bay_manager_shift3", func(d *Details) **bool { return &d.PresenceOfBayManagerShift3 }),
	field("presence_of_maintenance_incharge_shift1", func(d *Details) **bool { return &d.PresenceOfMaintenanceInchargeShift1 }),
	field("presence_of_maintenance_incharge_shift2", func(d *Details) **bool { return &d.PresenceOfMaintenanceInchargeShift2 }),
	field("presence_of_maintenance_incharge_shift3", func(d *Details) **bool { return &d.PresenceOfMaintenanceInchargeShift3 }),
	field("no_of_persons_working_in_machine_shift1", func(d *Details) **int64 { return &d.NoOfPersonsWorkingInMachineShift1 }),
	field("no_of_persons_working_in_machine_shift2", func(d *Details) **int64 { return &d.NoOfPersonsWorkingInMachineShift2 }),
	field("no_of_persons_working_in_machine_shift3", func(d *Details) **int64 { return &d.NoOfPersonsWorkingInMachineShift3 }),
	field("emergency_switch_operator_panel_off_condition_shift1", func(d *Details) **bool { return &d.EmergencySwitchOperatorPanelOffConditionShift1 }),
	field("emergency_switch_operator_panel_off_condition_shift2", func(d *Details) **bool { return &d.EmergencySwitchOperatorPanelOffConditionShift2 }),
	field("emergency_switch_operator_panel_off_condition_shift3", func(d *Details) **bool { return &d.EmergencySwitchOperatorPanelOffConditionShift3 }),
	field("emergency_switch_cycle_start_panel_off_condition_shift1", func(d *Details) **bool { return &d.EmergencySwitchCycleStartPanelOffConditionShift1 }),
	field("emergency_switch_cycle_start_panel_off_condition_shift2", func(d *Details) **bool { return &d.EmergencySwitchCycleStartPanelOffConditionShift2 }),
	field("emergency_switch_cycle_start_panel_off_condition_shift3", func(d *Details) **bool { return &d.EmergencySwitchCycleStartPanelOffConditionShift3 }),
	field("emergency_switch_conveyor_panel_off_condition_shift1", func(d *Details) **bool { return &d.EmergencySwitchConveyorPanelOffConditionShift1 }),
	field("emergency_switch_conveyor_panel_off_condition_shift2", func(d *Details) **bool { return &d.EmergencySwitchConveyorPanelOffConditionShift2 }),
	field("emergency_switch_conveyor_panel_off_condition_shift3", func(d *Details) **bool { return &d.EmergencySwitchConveyorPanelOffConditionShift3 }),
	field("mcb_off_lock_condition_shift1", func(d *Details) **bool { return &d.McbOffLockConditionShift1 }),
	field("mcb_off_lock_condition_shift2", func(d *Details) **bool { return &d.McbOffLockConditionShift2 }),
	field("mcb_off_lock_condition_shift3", func(d *Details) **bool { return &d.McbOffLockConditionShift3 }),
	field("air_line_close_condition_shift1", func(d *Details) **bool { return &d.AirLineCloseConditionShift1 }),
	field("air_line_close_condition_shift2", func(d *Details) **bool { return &d.AirLineCloseConditionShift2 }),
	field("air_line_close_condition_shift3", func(d *Details) **bool { return &d.AirLineCloseConditionShift3 }),
	field("men_at_work_board_mcb_panel_shift1", func(d *Details) **bool { return &d.MenAtWorkBoardMcbPanelShift1 }),
	field("men_at_work_board_mcb_panel_shift2", func(d *Details) **bool { return &d.MenAtWorkBoardMcbPanelShift2 }),
	field("men_at_work_board_mcb_panel_shift3", func(d *Details) **bool { return &d.MenAtWorkBoardMcbPanelShift3 }),
	field("men_at_work_do_not_operate_machine_board_operator_panel_shift1", func(d *Details) **bool { return &d.MenAtWorkDoNotOperateMachineBoardOperatorPanelShift1 }),
	field("men_at_work_do_not_operate_machine_board_operator_panel_shift2", func(d *Details) **bool { return &d.MenAtWorkDoNotOperateMachineBoardOperatorPanelShift2 }),
	field("men_at_work_do_not_operate_machine_board_operator_panel_shift3", func(d *Details) **bool { return &d.MenAtWorkDoNotOperateMachineBoardOperatorPanelShift3 }),
	field("men_at_work_board_air_valve_shift1", func(d *Details) **bool { return &d.MenAtWorkBoardAirValveShift1 }),
	field("men_at_work_board_air_valve_shift2", func(d *Details) **bool { return &d.MenAtWorkBoardAirValveShift2 }),
	field("men_at_work_board_air_valve_shift3", func(d *Details) **bool { return &d.MenAtWorkBoardAirValveShift3 }),
}

var fieldIndex = func() map[string]Field {
	idx := make(map[string]Field, len(Fields))
	for _, f := range Fields {
		idx[f.Column] = f
	}
	return idx
}()

// LookupField returns the field registered for column.
func LookupField(column string) (Field, bool) {
	f, ok := fieldIndex[column]
	return f, ok
}

// Supplied returns the fields set in d, in table order.
func (d *Details) Supplied() []Field {
	var out []Field
	for _, f := range Fields {
		if _, ok := f.Value(d); ok {
			out = append(out, f)
		}
	}
	return out
}
